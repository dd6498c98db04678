package store

import (
	"context"
	"time"
)

// Ingester resolves, provisions and writes: the full write path for one
// document.
type Ingester struct {
	loc  Locator
	pool *Pool
	now  func() time.Time
}

// NewIngester returns an Ingester writing under loc through pool.
func NewIngester(loc Locator, pool *Pool) *Ingester {
	return &Ingester{
		loc:  loc,
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Locator returns the locator the ingester resolves names with.
func (i *Ingester) Locator() Locator {
	return i.loc
}

// Ingest stores payload as a new record of table in database. Names and
// payload are validated before any file is touched.
func (i *Ingester) Ingest(ctx context.Context, database, table string, payload []byte) (Record, error) {
	path, err := i.loc.Path(database)
	if err != nil {
		return Record{}, err
	}
	if err := ValidateName("table", table); err != nil {
		return Record{}, err
	}
	if err := validatePayload(payload); err != nil {
		return Record{}, err
	}

	ts := i.now()

	s, release, err := i.pool.Acquire(ctx, database, path)
	if err != nil {
		return Record{}, err
	}
	defer release()

	return s.Append(ctx, table, payload, ts)
}

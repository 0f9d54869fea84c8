// Package resource stores versioned FHIR resources in relational tables and
// answers searches against them.
package resource

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirrepo/internal/platform/db"
	"github.com/ehr/fhirrepo/internal/platform/fhir"
	"github.com/ehr/fhirrepo/internal/platform/lookup"
	"github.com/ehr/fhirrepo/internal/platform/sqlbuilder"
	"github.com/ehr/fhirrepo/internal/platform/telemetry"
)

// Validator checks resource shape before anything is written.
type Validator interface {
	ValidateType(resourceType string) *fhir.OperationOutcome
	ValidateResource(r fhir.Resource) *fhir.OperationOutcome
}

// Notifier receives every successfully written resource.
type Notifier interface {
	Notify(ctx context.Context, r fhir.Resource) error
}

// AccessPolicy decides which resource types a caller may search.
type AccessPolicy interface {
	CanRead(resourceType string) bool
}

// Store holds everything shared by all callers. It is immutable after
// NewStore and safe for concurrent use.
type Store struct {
	registry  *fhir.Registry
	lookups   *lookup.Set
	validator Validator
	notifier  Notifier
	metrics   *telemetry.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithNotifier sets the post-write notifier.
func WithNotifier(n Notifier) Option { return func(s *Store) { s.notifier = n } }

// WithMetrics records operation counts.
func WithMetrics(m *telemetry.Metrics) Option { return func(s *Store) { s.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(s *Store) { s.logger = l } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// NewStore builds a Store around a registry and validator.
func NewStore(reg *fhir.Registry, v Validator, opts ...Option) *Store {
	s := &Store{
		registry:  reg,
		lookups:   lookup.NewSet(),
		validator: v,
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Registry returns the search parameter registry.
func (s *Store) Registry() *fhir.Registry { return s.registry }

// Open binds the store to one caller's session and access policy. The
// returned Repository must not be shared between concurrent callers.
func (s *Store) Open(sess db.Session, policy AccessPolicy) *Repository {
	return &Repository{store: s, sess: sess, policy: policy}
}

// Repository is the per-caller view of a Store.
type Repository struct {
	store  *Store
	sess   db.Session
	policy AccessPolicy

	// pending collects notifications while inside a transaction bundle.
	pending *[]fhir.Resource
}

// within returns a copy of r bound to a transactional session.
func (r *Repository) within(tx db.Session, pending *[]fhir.Resource) *Repository {
	return &Repository{store: r.store, sess: tx, policy: r.policy, pending: pending}
}

// Create stores a new resource under a freshly generated id.
func (r *Repository) Create(ctx context.Context, res fhir.Resource) (fhir.Resource, error) {
	if oo := r.store.validator.ValidateResource(res); oo.HasErrors() {
		return nil, fhir.InvalidOutcome(oo)
	}
	out, _, err := r.write(ctx, uuid.NewString(), res)
	return out, err
}

// Update writes a new version of the resource at id, creating it if absent.
func (r *Repository) Update(ctx context.Context, id string, res fhir.Resource) (fhir.Resource, error) {
	out, _, err := r.write(ctx, id, res)
	return out, err
}

// write is Update that also reports whether the resource was new.
func (r *Repository) write(ctx context.Context, id string, res fhir.Resource) (fhir.Resource, bool, error) {
	start := time.Now()
	if oo := r.store.validator.ValidateResource(res); oo.HasErrors() {
		return nil, false, fhir.InvalidOutcome(oo)
	}
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, false, fhir.Invalid("Invalid ID (not a UUID)")
	}
	resourceType := res.ResourceType()

	var (
		result  fhir.Resource
		created bool
	)
	err = r.sess.Transact(ctx, func(tx db.Session) error {
		existing, err := r.readContent(ctx, tx, TableName(resourceType), uid, uuid.Nil)
		if err != nil && !fhir.IsNotFound(err) {
			return err
		}
		created = existing == nil

		versionID := uuid.New()
		lastUpdated := r.nextInstant(existing)
		result = merge(existing, res, resourceType, uid.String(), versionID.String(), lastUpdated)

		content, err := result.JSON()
		if err != nil {
			return fhir.Invalid("encode resource: %v", err)
		}
		if err := r.writeCurrent(ctx, tx, uid, lastUpdated, string(content), result, created); err != nil {
			return err
		}
		if err := r.writeVersion(ctx, tx, resourceType, uid, versionID, lastUpdated, string(content)); err != nil {
			return err
		}
		return r.store.lookups.Reindex(ctx, tx, uid, result)
	})
	op := "update"
	if created {
		op = "create"
	}
	r.store.metrics.ObserveOperation(resourceType, op, err, time.Since(start))
	if err != nil {
		if _, ok := fhir.AsOutcomeError(err); ok {
			return nil, false, err
		}
		r.store.logger.Error().Err(err).Str("resource_type", resourceType).Str("id", id).Msg("write failed")
		return nil, false, fhir.Invalid("%s", err.Error())
	}

	r.notify(ctx, result)
	return result, created, nil
}

// nextInstant returns the write time, kept strictly after the previous
// version at the precision every dialect stores.
func (r *Repository) nextInstant(existing fhir.Resource) time.Time {
	now := r.store.now().UTC().Truncate(time.Microsecond)
	if existing != nil {
		if prev := existing.LastUpdated(); !now.After(prev) {
			now = prev.Truncate(time.Microsecond).Add(time.Microsecond)
		}
	}
	return now
}

// merge overlays incoming onto existing. meta is merged per field with the
// new versionId and lastUpdated always winning; other top-level fields are
// replaced whole, and fields absent from incoming are kept.
func merge(existing, incoming fhir.Resource, resourceType, id, versionID string, lastUpdated time.Time) fhir.Resource {
	meta := map[string]any{}
	for k, v := range existing.Meta() {
		meta[k] = v
	}
	for k, v := range incoming.Meta() {
		meta[k] = v
	}
	meta["versionId"] = versionID
	meta["lastUpdated"] = fhir.FormatInstant(lastUpdated)

	out := fhir.Resource{}
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range incoming.Clone() {
		out[k] = v
	}
	out["resourceType"] = resourceType
	out["id"] = id
	out["meta"] = meta
	return out
}

func (r *Repository) writeCurrent(ctx context.Context, tx db.Session, id uuid.UUID, lastUpdated time.Time, content string, res fhir.Resource, created bool) error {
	table := TableName(res.ResourceType())
	scalars := r.store.scalarParameters(res.ResourceType())

	var (
		stmt sqlbuilder.Statement
		err  error
	)
	if created {
		ins := sqlbuilder.NewInsert(table).
			Value(ColumnID, sqlbuilder.TypeUUID, id).
			Value(ColumnLastUpdated, sqlbuilder.TypeTimestamp, lastUpdated).
			Value(ColumnContent, sqlbuilder.TypeText, content)
		for _, p := range scalars {
			ins.Value(ColumnName(p.Code), sqlbuilder.TypeVarchar, scalarValue(p, res))
		}
		stmt, err = ins.Build(tx.Dialect())
	} else {
		upd := sqlbuilder.NewUpdate(table).
			Set(ColumnLastUpdated, sqlbuilder.TypeTimestamp, lastUpdated).
			Set(ColumnContent, sqlbuilder.TypeText, content)
		for _, p := range scalars {
			upd.Set(ColumnName(p.Code), sqlbuilder.TypeVarchar, scalarValue(p, res))
		}
		upd.Where(ColumnID, sqlbuilder.Equals, sqlbuilder.TypeUUID, id)
		stmt, err = upd.Build(tx.Dialect())
	}
	if err != nil {
		return err
	}
	r.store.logger.Debug().Str("sql", stmt.SQL).Msg("write current")
	_, err = tx.Exec(ctx, stmt)
	return err
}

func scalarValue(p *fhir.SearchParameter, res fhir.Resource) any {
	if v, ok := fhir.IndexValue(p, res); ok {
		return v
	}
	return nil
}

func (r *Repository) writeVersion(ctx context.Context, tx db.Session, resourceType string, id, versionID uuid.UUID, lastUpdated time.Time, content string) error {
	stmt, err := sqlbuilder.NewInsert(HistoryTableName(resourceType)).
		Value(ColumnVersionID, sqlbuilder.TypeUUID, versionID).
		Value(ColumnID, sqlbuilder.TypeUUID, id).
		Value(ColumnLastUpdated, sqlbuilder.TypeTimestamp, lastUpdated).
		Value(ColumnContent, sqlbuilder.TypeText, content).
		Build(tx.Dialect())
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, stmt)
	return err
}

// notify delivers res now, or queues it until the enclosing transaction
// bundle commits. Failures are logged and dropped.
func (r *Repository) notify(ctx context.Context, res fhir.Resource) {
	if r.pending != nil {
		*r.pending = append(*r.pending, res)
		return
	}
	r.store.deliver(ctx, res)
}

func (s *Store) deliver(ctx context.Context, res fhir.Resource) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, res); err != nil {
		s.logger.Warn().Err(err).Str("resource_type", res.ResourceType()).Str("id", res.ID()).Msg("notification dropped")
	}
}

// Read returns the current version.
func (r *Repository) Read(ctx context.Context, resourceType, id string) (fhir.Resource, error) {
	if oo := r.store.validator.ValidateType(resourceType); oo.HasErrors() {
		return nil, fhir.InvalidOutcome(oo)
	}
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, fhir.NotFound()
	}
	start := time.Now()
	res, err := r.readContent(ctx, r.sess, TableName(resourceType), uid, uuid.Nil)
	r.store.metrics.ObserveOperation(resourceType, "read", err, time.Since(start))
	return res, r.storageError(err, resourceType, id)
}

// ReadReference reads a "Type/id" reference.
func (r *Repository) ReadReference(ctx context.Context, reference string) (fhir.Resource, error) {
	resourceType, id, err := fhir.ParseReference(reference)
	if err != nil {
		return nil, fhir.Invalid("%s", err.Error())
	}
	return r.Read(ctx, resourceType, id)
}

// ReadVersion returns one historical version.
func (r *Repository) ReadVersion(ctx context.Context, resourceType, id, versionID string) (fhir.Resource, error) {
	if oo := r.store.validator.ValidateType(resourceType); oo.HasErrors() {
		return nil, fhir.InvalidOutcome(oo)
	}
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, fhir.NotFound()
	}
	vid, err := uuid.Parse(versionID)
	if err != nil {
		return nil, fhir.NotFound()
	}
	start := time.Now()
	res, err := r.readContent(ctx, r.sess, HistoryTableName(resourceType), uid, vid)
	r.store.metrics.ObserveOperation(resourceType, "vread", err, time.Since(start))
	return res, r.storageError(err, resourceType, id)
}

// ReadHistory returns every version in write order.
func (r *Repository) ReadHistory(ctx context.Context, resourceType, id string) (*fhir.Bundle, error) {
	if oo := r.store.validator.ValidateType(resourceType); oo.HasErrors() {
		return nil, fhir.InvalidOutcome(oo)
	}
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, fhir.NotFound()
	}

	table := HistoryTableName(resourceType)
	sel := sqlbuilder.NewSelect(table).
		Column(sqlbuilder.Col(table, ColumnContent)).
		Where(sqlbuilder.Condition{Column: sqlbuilder.Col(table, ColumnID), Op: sqlbuilder.Equals, Type: sqlbuilder.TypeUUID, Value: uid}).
		OrderBy(sqlbuilder.Col(table, ColumnLastUpdated), false)
	start := time.Now()
	versions, err := r.queryContent(ctx, r.sess, sel)
	r.store.metrics.ObserveOperation(resourceType, "history", err, time.Since(start))
	if err != nil {
		return nil, r.storageError(err, resourceType, id)
	}
	if len(versions) == 0 {
		return nil, fhir.NotFound()
	}
	return fhir.NewHistoryBundle(versions), nil
}

// readContent loads CONTENT by id, and by version id when vid is not Nil.
func (r *Repository) readContent(ctx context.Context, sess db.Session, table string, id, vid uuid.UUID) (fhir.Resource, error) {
	sel := sqlbuilder.NewSelect(table).
		Column(sqlbuilder.Col(table, ColumnContent)).
		Where(sqlbuilder.Condition{Column: sqlbuilder.Col(table, ColumnID), Op: sqlbuilder.Equals, Type: sqlbuilder.TypeUUID, Value: id})
	if vid != uuid.Nil {
		sel.Where(sqlbuilder.Condition{Column: sqlbuilder.Col(table, ColumnVersionID), Op: sqlbuilder.Equals, Type: sqlbuilder.TypeUUID, Value: vid})
	}
	found, err := r.queryContent(ctx, sess, sel)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fhir.NotFound()
	}
	return found[0], nil
}

// queryContent runs a select whose first column is CONTENT. Any further
// columns exist only for ordering and are discarded.
func (r *Repository) queryContent(ctx context.Context, sess db.Session, sel *sqlbuilder.SelectQuery) ([]fhir.Resource, error) {
	stmt, err := sel.Build(sess.Dialect())
	if err != nil {
		return nil, err
	}
	r.store.logger.Debug().Str("sql", stmt.SQL).Int("args", len(stmt.Args)).Msg("query")

	width := sel.OutputColumns()
	var out []fhir.Resource
	err = sess.Query(ctx, stmt, func(s db.Scanner) error {
		var content string
		dest := []any{&content}
		for i := 1; i < width; i++ {
			dest = append(dest, new(any))
		}
		if err := s.Scan(dest...); err != nil {
			return err
		}
		res, err := fhir.ParseResource([]byte(content))
		if err != nil {
			return err
		}
		out = append(out, res)
		return nil
	})
	return out, err
}

// storageError passes outcomes through and turns anything else into an
// Invalid outcome carrying the driver message.
func (r *Repository) storageError(err error, resourceType, id string) error {
	if err == nil {
		return nil
	}
	if _, ok := fhir.AsOutcomeError(err); ok {
		return err
	}
	r.store.logger.Error().Err(err).Str("resource_type", resourceType).Str("id", id).Msg("storage failure")
	return fhir.Invalid("%s", err.Error())
}

// ValidateCreate runs the create checks without writing.
func (r *Repository) ValidateCreate(_ context.Context, res fhir.Resource) error {
	if oo := r.store.validator.ValidateResource(res); oo.HasErrors() {
		return fhir.InvalidOutcome(oo)
	}
	return nil
}

// ValidateUpdate runs the update checks without writing.
func (r *Repository) ValidateUpdate(ctx context.Context, id string, res fhir.Resource) error {
	if err := r.ValidateCreate(ctx, res); err != nil {
		return err
	}
	if _, err := uuid.Parse(id); err != nil {
		return fhir.Invalid("Invalid ID (not a UUID)")
	}
	return nil
}

// ValidateDelete checks the type. Deletion itself is not supported.
func (r *Repository) ValidateDelete(_ context.Context, resourceType, _ string) error {
	if oo := r.store.validator.ValidateType(resourceType); oo.HasErrors() {
		return fhir.InvalidOutcome(oo)
	}
	return nil
}

// Delete is not supported; a tombstone state would be needed first.
func (r *Repository) Delete(context.Context, string, string) error {
	return fhir.ErrNotImplemented
}

// Patch is not supported.
func (r *Repository) Patch(context.Context, string, string, []byte) (fhir.Resource, error) {
	return nil, fhir.ErrNotImplemented
}

// ProcessMessage is not supported.
func (r *Repository) ProcessMessage(context.Context, fhir.Resource) (fhir.Resource, error) {
	return nil, fhir.ErrNotImplemented
}

// PatientEverything is not supported.
func (r *Repository) PatientEverything(context.Context, string) (*fhir.Bundle, error) {
	return nil, fhir.ErrNotImplemented
}

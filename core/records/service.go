// Package records is the service-level entry point for record operations. Every
// call loads the collection, authorizes the caller against the collection's
// rules, validates and transforms the payload, runs the record store and then
// expands relations and projects fields on the way out.
package records

import (
	"context"
	"fmt"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/asaidimu/go-recordbase/core"
	"github.com/asaidimu/go-recordbase/core/persistence"
	"github.com/asaidimu/go-recordbase/core/query"
	"github.com/asaidimu/go-recordbase/core/rules"
	"github.com/asaidimu/go-recordbase/core/schema"
)

// Defaults used when the matching option is not set.
const (
	DefaultMaxExpandDepth = 3
	DefaultExpandBatch    = 100
	DefaultExpandWorkers  = 8
	DefaultPerPage        = 30
	MaxPerPage            = 500
)

// Request carries the caller identity and the read shaping shared by every
// operation.
type Request struct {
	Auth *rules.AuthInfo
	// Expand lists relation paths such as "author.company" or
	// "comments_via_post". Entries may also be comma-separated.
	Expand []string
	// Fields is a projection such as "id,title,body:excerpt(120,true)".
	Fields string
}

// ListRequest is a Request plus filtering, sorting and pagination.
type ListRequest struct {
	Request
	Filter       string
	Sort         string
	Search       string
	SearchFields []string
	// Page is 1-based.
	Page    int
	PerPage int
}

// ListResult is one page of records.
type ListResult struct {
	Page       int             `json:"page"`
	PerPage    int             `json:"perPage"`
	TotalItems int             `json:"totalItems"`
	TotalPages int             `json:"totalPages"`
	Items      []schema.Record `json:"items"`
}

// Service orchestrates record operations over a Persistence.
type Service struct {
	persistence *persistence.Persistence
	evaluator   *rules.Evaluator
	processor   *query.DataProcessor
	pool        *ants.Pool
	ownsPool    bool
	logger      *zap.Logger

	maxDepth  int
	batchSize int
	workers   int
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPool makes the service issue expansion fetches on pool. The caller keeps
// ownership of the pool.
func WithPool(pool *ants.Pool) Option {
	return func(s *Service) { s.pool = pool }
}

// WithExpandWorkers sizes the pool the service creates for itself.
func WithExpandWorkers(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithMaxExpandDepth bounds nested expansion.
func WithMaxExpandDepth(depth int) Option {
	return func(s *Service) {
		if depth > 0 {
			s.maxDepth = depth
		}
	}
}

// WithExpandBatch sets how many ids are fetched per expansion query.
func WithExpandBatch(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithProcessor replaces the processor used for projections, e.g. one with
// extra field modifiers registered.
func WithProcessor(p *query.DataProcessor) Option {
	return func(s *Service) {
		if p != nil {
			s.processor = p
		}
	}
}

// NewService creates a Service. Unless WithPool is given, the service creates
// a nonblocking ants pool and releases it in Close.
func NewService(p *persistence.Persistence, opts ...Option) (*Service, error) {
	s := &Service{
		persistence: p,
		evaluator:   p.Evaluator(),
		logger:      zap.NewNop(),
		maxDepth:    DefaultMaxExpandDepth,
		batchSize:   DefaultExpandBatch,
		workers:     DefaultExpandWorkers,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.processor == nil {
		s.processor = query.NewDataProcessor(s.logger)
	}
	if s.pool == nil {
		pool, err := ants.NewPool(s.workers, ants.WithNonblocking(true), ants.WithPanicHandler(func(v any) {
			s.logger.Error("Expansion task panicked", zap.Any("panic", v))
		}))
		if err != nil {
			return nil, fmt.Errorf("failed to create expansion pool: %w", err)
		}
		s.pool, s.ownsPool = pool, true
	}
	return s, nil
}

// Close releases the expansion pool when the service created it.
func (s *Service) Close() {
	if s.ownsPool {
		s.pool.Release()
	}
}

// Processor returns the processor used for projections.
func (s *Service) Processor() *query.DataProcessor {
	return s.processor
}

func (s *Service) open(ctx context.Context, name string) (*schema.Collection, persistence.RecordStore, error) {
	c, err := s.persistence.Collection(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	store, err := s.persistence.Store(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	return c, store, nil
}

func writable(c *schema.Collection) error {
	if c.IsView() {
		return core.BadRequest("collection %q is a view and is read-only", c.Name)
	}
	return nil
}

// List returns one page of the records the caller may list.
func (s *Service) List(ctx context.Context, collection string, req ListRequest) (*ListResult, error) {
	c, store, err := s.open(ctx, collection)
	if err != nil {
		return nil, err
	}

	program, err := s.evaluator.Compile(c.ListRule)
	if err != nil {
		return nil, s.deny(c, schema.OperationList)
	}
	if !program.UsesRecord() {
		if err := s.authorize(c, schema.OperationList, rules.AccessContext{Auth: req.Auth}); err != nil {
			return nil, err
		}
	}

	expr, err := query.ParseFilter(req.Filter)
	if err != nil {
		return nil, err
	}
	sort, err := query.ParseSort(req.Sort)
	if err != nil {
		return nil, err
	}
	projection, err := query.ParseProjection(req.Fields)
	if err != nil {
		return nil, err
	}

	page, perPage := req.Page, req.PerPage
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = DefaultPerPage
	}
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}
	offset := (page - 1) * perPage

	dsl := &query.QueryDSL{
		Filters:      expr.QueryFilter(),
		Sort:         sort,
		Pagination:   &query.PaginationOptions{Limit: perPage, Offset: &offset},
		Search:       req.Search,
		SearchFields: req.SearchFields,
	}
	items, err := store.List(ctx, dsl)
	if err != nil {
		return nil, err
	}
	total, err := store.Count(ctx, dsl)
	if err != nil {
		return nil, err
	}

	if program.UsesRecord() {
		items = s.visible(c, schema.OperationList, program, req.Auth, items)
	}

	s.expand(ctx, c, items, parseExpand(req.Expand), req.Auth, 0)
	items, err = s.project(items, projection)
	if err != nil {
		return nil, err
	}

	return &ListResult{
		Page:       page,
		PerPage:    perPage,
		TotalItems: total,
		TotalPages: (total + perPage - 1) / perPage,
		Items:      items,
	}, nil
}

// View returns one record.
func (s *Service) View(ctx context.Context, collection, id string, req Request) (schema.Record, error) {
	c, store, err := s.open(ctx, collection)
	if err != nil {
		return nil, err
	}
	projection, err := query.ParseProjection(req.Fields)
	if err != nil {
		return nil, err
	}
	record, err := store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(c, schema.OperationView, rules.AccessContext{Auth: req.Auth, Record: record}); err != nil {
		return nil, err
	}
	return s.finish(ctx, c, record, req, projection)
}

// Create validates data and inserts it as a new record. Keys of the form
// "field+" and "field-" apply a delta to a number field, starting from zero.
func (s *Service) Create(ctx context.Context, collection string, data map[string]any, req Request) (schema.Record, error) {
	c, store, err := s.open(ctx, collection)
	if err != nil {
		return nil, err
	}
	if err := writable(c); err != nil {
		return nil, err
	}
	projection, err := query.ParseProjection(req.Fields)
	if err != nil {
		return nil, err
	}

	set, deltas, modifierIssues := splitModifiers(c, data)
	v := schema.NewValidator(c)
	for name, delta := range deltas {
		set[name] = delta
	}
	normalized, issues := v.Validate(set, true)
	if issues := append(modifierIssues, issues...); len(issues) > 0 {
		return nil, core.ValidationFailed(issues)
	}

	if err := s.authorize(c, schema.OperationCreate, rules.AccessContext{Auth: req.Auth, Record: normalized, Data: data}); err != nil {
		return nil, err
	}

	record, err := store.Create(ctx, normalized)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Record created", zap.String("collection", c.Name), zap.String("id", record.ID()))
	return s.finish(ctx, c, record, req, projection)
}

// Update applies data to an existing record. Modifier keys become atomic
// increments; the resulting value is checked against the field's bounds using
// the current record.
func (s *Service) Update(ctx context.Context, collection, id string, data map[string]any, req Request) (schema.Record, error) {
	c, store, err := s.open(ctx, collection)
	if err != nil {
		return nil, err
	}
	if err := writable(c); err != nil {
		return nil, err
	}
	projection, err := query.ParseProjection(req.Fields)
	if err != nil {
		return nil, err
	}

	current, err := store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(c, schema.OperationUpdate, rules.AccessContext{Auth: req.Auth, Record: current, Data: data}); err != nil {
		return nil, err
	}

	set, deltas, modifierIssues := splitModifiers(c, data)
	v := schema.NewValidator(c)
	normalized, _ := v.Validate(set, false)
	for name, delta := range deltas {
		base, _ := core.ToFloat64(current[name])
		v.CheckRange(c.Field(name), base+delta)
	}
	if issues := append(modifierIssues, v.Issues()...); len(issues) > 0 {
		return nil, core.ValidationFailed(issues)
	}

	record, err := store.Update(ctx, id, persistence.Changes{Set: normalized, Increment: deltas})
	if err != nil {
		return nil, err
	}
	return s.finish(ctx, c, record, req, projection)
}

// Delete removes a record after applying the delete policies of every
// relation that points at its collection.
func (s *Service) Delete(ctx context.Context, collection, id string, req Request) error {
	c, store, err := s.open(ctx, collection)
	if err != nil {
		return err
	}
	if err := writable(c); err != nil {
		return err
	}
	current, err := store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.authorize(c, schema.OperationDelete, rules.AccessContext{Auth: req.Auth, Record: current}); err != nil {
		return err
	}
	return s.deleteWithPolicies(ctx, c, store, id)
}

func (s *Service) finish(ctx context.Context, c *schema.Collection, record schema.Record, req Request, projection *query.ProjectionConfiguration) (schema.Record, error) {
	records := []schema.Record{record}
	s.expand(ctx, c, records, parseExpand(req.Expand), req.Auth, 0)
	records, err := s.project(records, projection)
	if err != nil {
		return nil, err
	}
	return records[0], nil
}

// project applies the field list. The expand key survives any projection.
func (s *Service) project(records []schema.Record, cfg *query.ProjectionConfiguration) ([]schema.Record, error) {
	projected, err := s.processor.Project(records, cfg)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return projected, nil
	}
	for i, r := range records {
		if expanded, ok := r[schema.FieldExpand]; ok {
			projected[i][schema.FieldExpand] = expanded
		}
	}
	return projected, nil
}

package records

import (
	"go.uber.org/zap"

	"github.com/asaidimu/go-recordbase/core"
	"github.com/asaidimu/go-recordbase/core/persistence"
	"github.com/asaidimu/go-recordbase/core/rules"
	"github.com/asaidimu/go-recordbase/core/schema"
)

// authorize evaluates the rule of op against actx. Denials are counted and
// reported as a forbidden error that does not say why.
func (s *Service) authorize(c *schema.Collection, op schema.Operation, actx rules.AccessContext) error {
	if s.evaluator.Evaluate(c.Rule(op), actx) {
		return nil
	}
	return s.deny(c, op)
}

func (s *Service) deny(c *schema.Collection, op schema.Operation) error {
	persistence.AccessDenials.WithLabelValues(c.Name, string(op)).Inc()
	s.logger.Debug("Access denied", zap.String("collection", c.Name), zap.String("operation", string(op)))
	return core.Forbidden(string(op))
}

// visible keeps the records a record-scoped program allows. Evaluation errors
// hide the record.
func (s *Service) visible(c *schema.Collection, op schema.Operation, program *rules.Program, auth *rules.AuthInfo, records []schema.Record) []schema.Record {
	out := make([]schema.Record, 0, len(records))
	for _, r := range records {
		ok, err := program.Eval(rules.AccessContext{Auth: auth, Record: r})
		if err != nil {
			s.logger.Warn("Rule failed to evaluate, hiding record",
				zap.String("collection", c.Name), zap.String("operation", string(op)), zap.Error(err))
			continue
		}
		if ok {
			out = append(out, r)
		}
	}
	return out
}

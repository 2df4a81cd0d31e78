package handler

import (
	"context"
	"net/http"
	"strings"

	"traffic-prism/internal/dispatch"
	"traffic-prism/internal/models"
	"traffic-prism/internal/util"
)

// OperatorHeader names the dashboard operator. Authentication happens
// upstream of this service.
const OperatorHeader = "X-Operator"

type operatorKey struct{}

type operator struct {
	name   string
	tenant string
}

// RequireOperator resolves the calling operator's tenant before any
// tenant-scoped handler runs.
func (h *Handler) RequireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimSpace(r.Header.Get(OperatorHeader))
		if name == "" {
			h.respondWithError(w, http.StatusBadRequest, models.ErrTenantRequired, "Operator header is required")
			return
		}
		tenant, err := h.operators.TenantOf(r.Context(), name)
		if err != nil {
			h.respondWithError(w, h.getStatusCode(err), err, "Operator has no tenant")
			return
		}
		ctx := context.WithValue(r.Context(), operatorKey{}, operator{name: name, tenant: tenant})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func operatorFrom(ctx context.Context) operator {
	op, _ := ctx.Value(operatorKey{}).(operator)
	return op
}

func actorFrom(ctx context.Context) dispatch.Actor {
	op := operatorFrom(ctx)
	return dispatch.Actor{
		Operator: op.name,
		Tenant:   util.NormalizeHostname(op.tenant),
		Trigger:  dispatch.TriggerOperator,
	}
}

package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/mistakeknot/querydesk/internal/claim"
	"github.com/mistakeknot/querydesk/internal/core"
)

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
}

type SubmitQueryRequest struct {
	Subject  string `json:"subject" minLength:"1"`
	Category string `json:"category,omitempty"`
	Priority string `json:"priority,omitempty" enum:"low,normal,high,urgent"`
}

type ReplyRequest struct {
	Body string `json:"body" minLength:"1"`
}

type ReopenRequest struct {
	Message string `json:"message,omitempty"`
}

type queryOutput struct {
	Body core.Query
}

type queriesOutput struct {
	Body struct {
		Queries []core.Query `json:"queries"`
	}
}

type activityOutput struct {
	Body struct {
		Activity []core.Activity `json:"activity"`
	}
}

type queryIDInput struct {
	ID string `path:"id"`
}

func (s *Service) registerQueries(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-query",
		Method:        http.MethodPost,
		Path:          "/queries",
		Summary:       "Submit a query",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, in *struct {
		Body SubmitQueryRequest
	}) (*queryOutput, error) {
		who, authErr := caller(ctx)
		if authErr != nil {
			return nil, authErr
		}
		q, err := s.claims.Submit(ctx, who, claim.SubmitInput{
			Subject:  in.Body.Subject,
			Category: in.Body.Category,
			Priority: in.Body.Priority,
		})
		if err != nil {
			return nil, s.fail(err)
		}
		return &queryOutput{Body: q}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-queries",
		Method:      http.MethodGet,
		Path:        "/queries",
		Summary:     "List queries",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, in *struct {
		Status   string `query:"status" doc:"Comma-separated statuses"`
		Owner    string `query:"owner"`
		Category string `query:"category"`
		Customer string `query:"customer"`
		Limit    int    `query:"limit"`
		Offset   int    `query:"offset"`
	}) (*queriesOutput, error) {
		who, authErr := caller(ctx)
		if authErr != nil {
			return nil, authErr
		}
		filter := core.QueryFilter{Owner: in.Owner, Category: in.Category, Customer: in.Customer}
		for _, st := range strings.Split(in.Status, ",") {
			st = strings.TrimSpace(st)
			if st == "" {
				continue
			}
			status := core.Status(st)
			if !status.Valid() {
				return nil, newAPIError(http.StatusBadRequest, "invalid", "unknown status "+st, nil)
			}
			filter.Status = append(filter.Status, status)
		}
		if !who.Role.IsStaff() {
			filter.Customer = who.UserID
		}
		qs, err := s.claims.List(ctx, filter, core.Page{Limit: in.Limit, Offset: in.Offset})
		if err != nil {
			return nil, s.fail(err)
		}
		out := &queriesOutput{}
		out.Body.Queries = qs
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-query",
		Method:      http.MethodGet,
		Path:        "/queries/{id}",
		Summary:     "Get a query",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, in *queryIDInput) (*queryOutput, error) {
		who, authErr := caller(ctx)
		if authErr != nil {
			return nil, authErr
		}
		q, err := s.visibleQuery(ctx, who, in.ID)
		if err != nil {
			return nil, s.fail(err)
		}
		return &queryOutput{Body: q}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-query",
		Method:      http.MethodPost,
		Path:        "/queries/{id}/accept",
		Summary:     "Claim a pending query",
		Errors:      writeErrors,
	}, func(ctx context.Context, in *queryIDInput) (*queryOutput, error) {
		return s.withCaller(ctx, func(who core.Identity) (core.Query, error) {
			return s.claims.Accept(ctx, who, in.ID)
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "reply-query",
		Method:      http.MethodPost,
		Path:        "/queries/{id}/reply",
		Summary:     "Reply as the owner",
		Errors:      writeErrors,
	}, func(ctx context.Context, in *struct {
		ID   string `path:"id"`
		Body ReplyRequest
	}) (*queryOutput, error) {
		return s.withCaller(ctx, func(who core.Identity) (core.Query, error) {
			return s.claims.Reply(ctx, who, in.ID, in.Body.Body)
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-query",
		Method:      http.MethodPost,
		Path:        "/queries/{id}/resolve",
		Summary:     "Resolve a query",
		Errors:      writeErrors,
	}, func(ctx context.Context, in *queryIDInput) (*queryOutput, error) {
		return s.withCaller(ctx, func(who core.Identity) (core.Query, error) {
			return s.claims.Resolve(ctx, who, in.ID)
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "reopen-query",
		Method:      http.MethodPost,
		Path:        "/queries/{id}/reopen",
		Summary:     "Reopen a resolved or expired query",
		Errors:      writeErrors,
	}, func(ctx context.Context, in *struct {
		ID   string `path:"id"`
		Body *ReopenRequest `required:"false"`
	}) (*queryOutput, error) {
		msg := ""
		if in.Body != nil {
			msg = in.Body.Message
		}
		return s.withCaller(ctx, func(who core.Identity) (core.Query, error) {
			return s.claims.Reopen(ctx, who, in.ID, msg)
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "query-activity",
		Method:      http.MethodGet,
		Path:        "/queries/{id}/activity",
		Summary:     "Audit log of a query",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, in *struct {
		ID    string `path:"id"`
		After int64  `query:"after" minimum:"0"`
	}) (*activityOutput, error) {
		who, authErr := caller(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := s.visibleQuery(ctx, who, in.ID); err != nil {
			return nil, s.fail(err)
		}
		acts, err := s.claims.Activity(ctx, in.ID, uint64(in.After))
		if err != nil {
			return nil, s.fail(err)
		}
		out := &activityOutput{}
		out.Body.Activity = acts
		return out, nil
	})
}

// visibleQuery loads a query; customers may only see their own.
func (s *Service) visibleQuery(ctx context.Context, who core.Identity, id string) (core.Query, error) {
	q, err := s.claims.Get(ctx, id)
	if err != nil {
		return core.Query{}, err
	}
	if !who.Role.IsStaff() && q.CustomerID != who.UserID {
		return core.Query{}, core.ErrNotOwner
	}
	return q, nil
}

func (s *Service) withCaller(ctx context.Context, op func(core.Identity) (core.Query, error)) (*queryOutput, error) {
	who, authErr := caller(ctx)
	if authErr != nil {
		return nil, authErr
	}
	q, err := op(who)
	if err != nil {
		return nil, s.fail(err)
	}
	return &queryOutput{Body: q}, nil
}

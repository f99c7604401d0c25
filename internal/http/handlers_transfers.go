package httpapi

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/mistakeknot/querydesk/internal/core"
	"github.com/mistakeknot/querydesk/internal/transfer"
)

type TransferRequest struct {
	To     string `json:"to" minLength:"1"`
	Reason string `json:"reason,omitempty"`
}

type RespondRequest struct {
	Decision string `json:"decision" enum:"accept,decline"`
}

type transferOutput struct {
	Body core.TransferRecord
}

type transfersOutput struct {
	Body struct {
		Transfers []core.TransferRecord `json:"transfers"`
	}
}

func (s *Service) registerTransfers(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "request-transfer",
		Method:        http.MethodPost,
		Path:          "/queries/{id}/transfers",
		Summary:       "Offer an owned query to another staff member",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, in *struct {
		ID   string `path:"id"`
		Body TransferRequest
	}) (*transferOutput, error) {
		who, authErr := caller(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := s.transfers.RequestTransfer(ctx, who, in.ID, in.Body.To, in.Body.Reason)
		if err != nil {
			return nil, s.fail(err)
		}
		return &transferOutput{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-transfers",
		Method:      http.MethodGet,
		Path:        "/transfers",
		Summary:     "List transfer records",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, in *struct {
		QueryID   string `query:"query"`
		Candidate string `query:"candidate"`
		From      string `query:"from"`
		Status    string `query:"status" enum:"requested,accepted,declined"`
	}) (*transfersOutput, error) {
		who, authErr := caller(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !who.Role.IsStaff() {
			return nil, newAPIError(http.StatusForbidden, "invalid_role", "staff only", nil)
		}
		recs, err := s.transfers.List(ctx, core.TransferFilter{
			QueryID:   in.QueryID,
			Candidate: in.Candidate,
			FromOwner: in.From,
			Status:    core.TransferStatus(in.Status),
		})
		if err != nil {
			return nil, s.fail(err)
		}
		out := &transfersOutput{}
		out.Body.Transfers = recs
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "respond-transfer",
		Method:      http.MethodPost,
		Path:        "/transfers/{id}/respond",
		Summary:     "Accept or decline a transfer offered to the caller",
		Errors:      writeErrors,
	}, func(ctx context.Context, in *struct {
		ID   string `path:"id"`
		Body RespondRequest
	}) (*queryOutput, error) {
		return s.withCaller(ctx, func(who core.Identity) (core.Query, error) {
			return s.transfers.RespondToTransfer(ctx, who, in.ID, transfer.Decision(in.Body.Decision))
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-transfer",
		Method:      http.MethodPost,
		Path:        "/transfers/{id}/cancel",
		Summary:     "Withdraw a pending transfer",
		Errors:      writeErrors,
	}, func(ctx context.Context, in *struct {
		ID string `path:"id"`
	}) (*queryOutput, error) {
		return s.withCaller(ctx, func(who core.Identity) (core.Query, error) {
			return s.transfers.CancelTransfer(ctx, who, in.ID)
		})
	})
}

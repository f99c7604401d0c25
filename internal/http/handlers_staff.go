package httpapi

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/mistakeknot/querydesk/internal/core"
)

type RegisterStaffRequest struct {
	ID         string `json:"id" minLength:"1"`
	Name       string `json:"name,omitempty"`
	Role       string `json:"role" enum:"agent,qa,team_lead,admin"`
	WorkStatus string `json:"work_status,omitempty" enum:"available,busy,away,offline"`
}

type WorkStatusRequest struct {
	Status string `json:"status" enum:"available,busy,away,offline"`
}

type staffOutput struct {
	Body core.Staff
}

type staffListOutput struct {
	Body struct {
		Staff []core.Staff `json:"staff"`
	}
}

type meOutput struct {
	Body struct {
		ID   string    `json:"id"`
		Role core.Role `json:"role"`
		Name string    `json:"name,omitempty"`
	}
}

func (s *Service) registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Identity of the caller",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*meOutput, error) {
		who, authErr := caller(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out := &meOutput{}
		out.Body.ID, out.Body.Role, out.Body.Name = who.UserID, who.Role, who.Name
		return out, nil
	})
}

func (s *Service) registerStaff(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-staff",
		Method:      http.MethodGet,
		Path:        "/staff",
		Summary:     "List staff",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, in *struct {
		Role string `query:"role"`
	}) (*staffListOutput, error) {
		if _, authErr := caller(ctx); authErr != nil {
			return nil, authErr
		}
		list, err := s.staff.List(ctx, core.Role(in.Role))
		if err != nil {
			return nil, s.fail(err)
		}
		out := &staffListOutput{}
		out.Body.Staff = list
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "register-staff",
		Method:      http.MethodPost,
		Path:        "/staff",
		Summary:     "Register a staff member",
		Errors:      writeErrors,
	}, func(ctx context.Context, in *struct {
		Body RegisterStaffRequest
	}) (*staffOutput, error) {
		who, authErr := caller(ctx)
		if authErr != nil {
			return nil, authErr
		}
		role := core.Role(in.Body.Role)
		// Supervisors register anyone; everyone else only themselves in
		// their own role.
		if !supervisor(who.Role) && (who.UserID != in.Body.ID || who.Role != role) {
			return nil, s.fail(core.ErrNotOwner)
		}
		st, err := s.staff.Register(ctx, core.Staff{
			ID:         in.Body.ID,
			Name:       in.Body.Name,
			Role:       role,
			WorkStatus: core.WorkStatus(in.Body.WorkStatus),
		})
		if err != nil {
			return nil, s.fail(err)
		}
		return &staffOutput{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-work-status",
		Method:      http.MethodPut,
		Path:        "/staff/{id}/work-status",
		Summary:     "Change a staff member's availability",
		Errors:      writeErrors,
	}, func(ctx context.Context, in *struct {
		ID   string `path:"id"`
		Body WorkStatusRequest
	}) (*staffOutput, error) {
		who, authErr := caller(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := s.staff.SetWorkStatus(ctx, who, in.ID, core.WorkStatus(in.Body.Status))
		if err != nil {
			return nil, s.fail(err)
		}
		return &staffOutput{Body: st}, nil
	})
}

func supervisor(r core.Role) bool {
	return r == core.RoleTeamLead || r == core.RoleAdmin
}

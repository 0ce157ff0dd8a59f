package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"storeline/internal/domain"
	"storeline/internal/engine"
	"storeline/internal/repo"
	"storeline/internal/sandbox"
)

type sandboxTxOutput struct {
	Body domain.SandboxTransaction `json:"body"`
}

func registerSandbox(api huma.API, e *engine.Engine, sb *sandbox.Platform) {
	// Same contract as a remote catalog service, so catalog.url can point here.
	huma.Register(api, huma.Operation{
		OperationID: "sandbox-catalog",
		Method:      http.MethodGet,
		Path:        "/sandbox/catalog/products",
		Summary:     "Sandbox product catalog",
		Tags:        []string{"sandbox"},
	}, func(ctx context.Context, input *struct {
		IDs string `query:"ids" doc:"Comma-separated product ids"`
	}) (*struct {
		Body struct {
			Products []domain.Product `json:"products"`
		} `json:"body"`
	}, error) {
		var ids []string
		for _, id := range strings.Split(input.IDs, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		products, err := sb.FetchProducts(ctx, ids)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Products []domain.Product `json:"products"`
			} `json:"body"`
		}{}
		out.Body.Products = products
		if out.Body.Products == nil {
			out.Body.Products = []domain.Product{}
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sandbox-transactions",
		Method:      http.MethodGet,
		Path:        "/sandbox/transactions",
		Summary:     "Transactions recorded by the sandbox platform",
		Tags:        []string{"sandbox"},
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status" enum:"purchased,pending"`
		ProductID string `query:"product_id"`
	}) (*struct {
		Body []domain.SandboxTransaction `json:"body"`
	}, error) {
		txs, err := sb.Transactions(ctx, repo.SandboxTransactionFilter{Status: input.Status, ProductID: input.ProductID})
		if err != nil {
			return nil, handleError(err)
		}
		if txs == nil {
			txs = []domain.SandboxTransaction{}
		}
		return &struct {
			Body []domain.SandboxTransaction `json:"body"`
		}{Body: txs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sandbox-queue-outcome",
		Method:      http.MethodPost,
		Path:        "/sandbox/outcomes",
		Summary:     "Queue the outcome of the next purchase",
		Tags:        []string{"sandbox"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body OutcomeRequest `json:"body"`
	}) (*struct {
		Body OutcomesResponse `json:"body"`
	}, error) {
		outcome, err := sandbox.ParseOutcome(input.Body.Outcome)
		if err != nil {
			return nil, handleError(err)
		}
		sb.QueueOutcome(outcome)
		resp := OutcomesResponse{Queued: []string{}}
		for _, o := range sb.QueuedOutcomes() {
			resp.Queued = append(resp.Queued, string(o))
		}
		return &struct {
			Body OutcomesResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sandbox-revoke",
		Method:      http.MethodPost,
		Path:        "/sandbox/transactions/{id}/revoke",
		Summary:     "Revoke a transaction (refund) and notify listeners",
		Tags:        []string{"sandbox"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*sandboxTxOutput, error) {
		t, err := sb.Revoke(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &sandboxTxOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sandbox-renew",
		Method:      http.MethodPost,
		Path:        "/sandbox/renewals",
		Summary:     "Renew a subscription for one more period",
		Tags:        []string{"sandbox"},
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body RenewRequest `json:"body"`
	}) (*sandboxTxOutput, error) {
		t, err := sb.Renew(ctx, input.Body.ProductID)
		if err != nil {
			return nil, handleError(err)
		}
		return &sandboxTxOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sandbox-approve",
		Method:      http.MethodPost,
		Path:        "/sandbox/pending/{id}/approve",
		Summary:     "Approve an ask-to-buy purchase",
		Tags:        []string{"sandbox"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*sandboxTxOutput, error) {
		t, err := sb.ApprovePending(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &sandboxTxOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "sandbox-fail-sync",
		Method:        http.MethodPost,
		Path:          "/sandbox/sync-failures",
		Summary:       "Make the next restore fail",
		Tags:          []string{"sandbox"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		sb.FailNextSync()
		return nil, nil
	})
}

package relay

import (
	"context"
	"fmt"

	"github.com/kastrel/kastrel-dashboard/internal/perch"
)

// summaryPrompt is the canned analyst prompt sent with every summary
// request; the perch service formats the attached data for the model.
const summaryPrompt = `Take all the client data below and summarize it.
Provide a comprehensive analysis including key risk factors, relationship health,
and actionable recommendations.`

// buildSummaryRequest aggregates a customer's profile, documents and
// messages into the upstream request body. The data passes through
// opaquely.
func (h *Handler) buildSummaryRequest(ctx context.Context, customerID string) (perch.SummarizeRequest, error) {
	customer, err := h.dir.Customer(ctx, customerID)
	if err != nil {
		return perch.SummarizeRequest{}, fmt.Errorf("resolve customer profile: %w", err)
	}
	documents, err := h.dir.Documents(ctx, customerID)
	if err != nil {
		return perch.SummarizeRequest{}, fmt.Errorf("resolve customer documents: %w", err)
	}
	messages, err := h.dir.Messages(ctx, customerID)
	if err != nil {
		return perch.SummarizeRequest{}, fmt.Errorf("resolve customer messages: %w", err)
	}

	return perch.SummarizeRequest{
		Prompt:       summaryPrompt,
		CustomerData: customer,
		Documents:    documents,
		Messages:     messages,
	}, nil
}

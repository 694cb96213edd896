package docquery

import (
	"context"

	"github.com/ehr/hie/internal/platform/hie"
)

type hieStarter interface {
	StartDocumentQuery(ctx context.Context, req hie.QueryRequest) error
}

// HIEGateway adapts an hie.Client to the Gateway of one source.
type HIEGateway struct {
	source Source
	client hieStarter
}

func NewHIEGateway(source Source, client hieStarter) *HIEGateway {
	return &HIEGateway{source: source, client: client}
}

func (g *HIEGateway) Source() Source { return g.source }

func (g *HIEGateway) StartDocumentQuery(ctx context.Context, req DispatchRequest) error {
	return g.client.StartDocumentQuery(ctx, hie.QueryRequest{
		DispatchID:          req.DispatchID,
		PatientID:           req.PatientID,
		CxID:                req.CxID,
		RequestID:           req.RequestID,
		TriggerConsolidated: req.TriggerConsolidated,
		Metadata:            req.Metadata,
	})
}

package sessionctx

import (
	"context"
	"log/slog"

	"github.com/opentrusty/tenantsession/internal/observability/logger"
	"github.com/opentrusty/tenantsession/internal/tenant"
)

// Brander applies tenant branding. It is called whenever the active tenant
// changes; b is nil when no tenant is active or the tenant has no branding.
type Brander interface {
	ApplyBranding(ctx context.Context, tenantID string, b *tenant.Branding)
}

// NopBrander ignores branding
type NopBrander struct{}

func (NopBrander) ApplyBranding(context.Context, string, *tenant.Branding) {}

// LogBrander reports branding changes on a logger
type LogBrander struct {
	Logger *slog.Logger
}

func (l LogBrander) ApplyBranding(ctx context.Context, tenantID string, b *tenant.Branding) {
	if b == nil {
		l.Logger.DebugContext(ctx, "branding reset", logger.TenantID(tenantID))
		return
	}
	l.Logger.InfoContext(ctx, "branding applied",
		logger.TenantID(tenantID),
		slog.String("primary_color", b.PrimaryColor),
		slog.String("secondary_color", b.SecondaryColor),
		slog.String("favicon_url", b.FaviconURL),
	)
}

// BrandingFunc adapts a function to Brander
type BrandingFunc func(ctx context.Context, tenantID string, b *tenant.Branding)

func (f BrandingFunc) ApplyBranding(ctx context.Context, tenantID string, b *tenant.Branding) {
	f(ctx, tenantID, b)
}

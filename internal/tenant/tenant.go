// Package tenant обеспечивает изоляцию данных арендаторов.
// Идентификатор арендатора извлекается из заголовка X-Tenant-Id,
// кладётся в context и добавляется во все запросы к БД и события.
package tenant

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"example.com/fluxpay/internal/apierror"
	"example.com/fluxpay/internal/response"
)

// HeaderTenantID — HTTP заголовок с идентификатором арендатора.
const HeaderTenantID = "X-Tenant-Id"

// DefaultTenant — арендатор по умолчанию для single-tenant установок.
const DefaultTenant = "default"

type ctxKey struct{}

// WithTenant сохраняет идентификатор арендатора в context.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, tenantID)
}

// FromContext извлекает идентификатор арендатора из context.
// Для фоновых задач без арендатора возвращает DefaultTenant.
func FromContext(ctx context.Context) string {
	if tenantID, ok := ctx.Value(ctxKey{}).(string); ok && tenantID != "" {
		return tenantID
	}
	return DefaultTenant
}

// Middleware извлекает X-Tenant-Id и кладёт его в context запроса.
// Отсутствие заголовка на тенантных эндпоинтах — ошибка TNT_001,
// а не тихий fallback: маскировка пропущенного заголовка приводила бы
// к записи данных в чужого арендатора.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := strings.TrimSpace(c.GetHeader(HeaderTenantID))
		if tenantID == "" {
			response.AbortWith(c, apierror.New(apierror.CodeTenantMissing, "заголовок X-Tenant-Id обязателен"))
			return
		}

		ctx := WithTenant(c.Request.Context(), tenantID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

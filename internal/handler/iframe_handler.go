package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/hitoshi/connectframe/internal/middleware"
	"github.com/hitoshi/connectframe/internal/model"
)

// TenantQueryParam はテナントを上書きするクエリパラメータ名。
const TenantQueryParam = "tier_account_id"

// maxTenantIDLength は受け入れるテナントIDの最大長。
const maxTenantIDLength = 256

// DescriptorBuilder はiframeハンドラーが必要とするディスクリプタ生成インターフェース。
type DescriptorBuilder interface {
	// Build はテナントの先頭ページに対するiframeディスクリプタを生成する。
	// tenantIDが空の場合は設定済みのテナントを使う。
	Build(ctx context.Context, tenantID string) (*model.IframeDescriptor, error)
}

// IframeHandler はiframeディスクリプタ取得のHTTPハンドラー。
type IframeHandler struct {
	builder DescriptorBuilder
}

// NewIframeHandler はIframeHandlerを生成する。
func NewIframeHandler(builder DescriptorBuilder) *IframeHandler {
	return &IframeHandler{builder: builder}
}

// GetIframeDetails はフロントエンドが埋め込むiframeの情報を返す。
// GET /iframe_details?tier_account_id=...
func (h *IframeHandler) GetIframeDetails(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(r.URL.Query().Get(TenantQueryParam))
	if len(tenantID) > maxTenantIDLength {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_TENANT",
			Message:  "tier_account_id が長すぎます。",
			Category: "validation",
			Action:   "正しいテナントIDを指定してください。",
		})
		return
	}

	desc, err := h.builder.Build(r.Context(), tenantID)
	if err != nil {
		// 生成元でログ済み。request_idとの対応はアクセスログで取れる
		middleware.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(desc)
}

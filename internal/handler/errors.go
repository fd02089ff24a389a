package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/careerlens/internal/middleware"
	"github.com/hitoshi/careerlens/internal/model"
)

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
}

// writeBadBody はリクエストボディが解析できない場合のレスポンスを書き込む。
func writeBadBody(w http.ResponseWriter) {
	writeAPIErrorResponse(w, model.NewInvalidRequestError("request body must be valid JSON"))
}

// decodeJSON はリクエストボディを読み込む。未知のフィールドは拒否する。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// maxBodyBytes はリクエストボディの上限。60問の回答と生徒情報に十分な大きさ。
const maxBodyBytes = 64 << 10

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeValidationFailed, model.ErrCodeInvalidRequest,
		model.ErrCodeInvalidTopN, model.ErrCodeInvalidFeedback,
		model.ErrCodeInvalidGrantRequest:
		return http.StatusBadRequest
	case model.ErrCodeSessionNotFound, model.ErrCodeResultNotFound, model.ErrCodeGrantNotFound:
		return http.StatusNotFound
	case model.ErrCodeSessionCompleted:
		return http.StatusConflict
	case model.ErrCodeSessionExpired:
		return http.StatusGone
	case model.ErrCodeGrantInvalid:
		return http.StatusForbidden
	case model.ErrCodeInsufficientCatalog:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

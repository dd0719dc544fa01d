package httpmw

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"infermesh/observability/logging"
)

func TestCORSSetsHeadersAndShortCircuitsOptions(t *testing.T) {
	handlerCalled := false
	mw := CORS(CORSConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/infer", nil)
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.False(t, handlerCalled)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestReadBodyRejectsOversizedPayload(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/infer", strings.NewReader(strings.Repeat("a", 100)))
	_, err := ReadBody(req, 10)
	require.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestReadBodyRejectsEmptyBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/infer", strings.NewReader(""))
	_, err := ReadBody(req, 0)
	require.ErrorIs(t, err, ErrEmptyBody)
}

func TestReadBodyAcceptsWithinLimit(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/infer", strings.NewReader("hello"))
	body, err := ReadBody(req, 10)
	require.NoError(t, err)
	require.Equal(t, "hello", string(body))
}

func TestAdmissionListsCheckOrdering(t *testing.T) {
	lists := NewAdmissionLists([]string{"blocked"}, []string{"muted"}, nil, nil)
	require.Equal(t, KindClientBlocked, lists.Check("blocked", KindClientBlocked, KindClientMuted, KindRouterNotFollowed, KindClientNotAllowed))
	require.Equal(t, KindClientMuted, lists.Check("muted", KindClientBlocked, KindClientMuted, KindRouterNotFollowed, KindClientNotAllowed))
	require.Equal(t, Kind(""), lists.Check("ok", KindClientBlocked, KindClientMuted, KindRouterNotFollowed, KindClientNotAllowed))
}

func TestAdmissionListsRequiresAllowMembershipWhenConfigured(t *testing.T) {
	lists := NewAdmissionLists(nil, nil, []string{"ok"}, nil)
	require.Equal(t, KindClientNotAllowed, lists.Check("stranger", KindClientBlocked, KindClientMuted, KindRouterNotFollowed, KindClientNotAllowed))
	require.Equal(t, Kind(""), lists.Check("ok", KindClientBlocked, KindClientMuted, KindRouterNotFollowed, KindClientNotAllowed))
}

func TestWriteErrorEncodesBody(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusBadRequest, KindInvalidEnvelope, "bad shape")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), `"error":"invalid-envelope"`)
	require.Contains(t, rec.Body.String(), `"bad shape"`)
}

func TestObservabilityMiddlewareRedactsErrorDetails(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	obs := NewObservability(ObservabilityConfig{Enabled: true}, logger)

	handler := obs.Middleware("/infer")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusUnauthorized, KindInvalidSignature, "sig=deadbeefcafefeed prompt=hello")
	}))

	req := httptest.NewRequest(http.MethodPost, "/infer", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	logged := buf.String()
	require.Contains(t, logged, `"error":"invalid-signature"`)
	require.Contains(t, logged, logging.RedactedValue)
	require.NotContains(t, logged, "deadbeefcafefeed")
	require.NotContains(t, logged, "prompt=hello")
}

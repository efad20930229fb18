package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medflow/booking-api/internal/account"
	"github.com/medflow/booking-api/internal/apperr"
	"github.com/medflow/booking-api/internal/appointment"
	"github.com/medflow/booking-api/internal/auth"
	"github.com/medflow/booking-api/internal/notification"
	redisclient "github.com/medflow/booking-api/internal/redis"
)

type testServer struct {
	srv  *httptest.Server
	mail *notification.Recorder
	disp *notification.Dispatcher
}

type response struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Kind    string          `json:"kind"`
	Count   *int            `json:"count"`
	Data    json.RawMessage `json:"data"`
	Detail  string          `json:"detail"`
}

func newTestServer(t *testing.T, tweak ...func(*RouterConfig)) *testServer {
	t.Helper()
	log := zerolog.Nop()
	rec := &notification.Recorder{}
	disp := notification.NewDispatcher(rec, notification.MustRenderer(), log, time.Second)
	issuer := auth.NewIssuer("test-secret", 24*time.Hour)

	accounts := account.NewMemoryRepository()
	cfg := RouterConfig{
		Accounts:      account.NewService(accounts, issuer, disp, log, "http://localhost:3000"),
		Appointments:  appointment.NewService(appointment.NewMemoryRepository(accounts), redisclient.NoopLocker{}, disp, log),
		Issuer:        issuer,
		Logger:        log,
		DB:            PingFunc(func(context.Context) error { return nil }),
		Env:           "test",
		Version:       "test",
		CORSOrigins:   []string{"http://localhost:3000"},
		AuthRateRPS:   1000,
		AuthRateBurst: 1000,
	}
	for _, fn := range tweak {
		fn(&cfg)
	}

	srv := httptest.NewServer(NewRouter(cfg))
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, mail: rec, disp: disp}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) (int, response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

// signup registers and logs in, returning the account and its token.
func (ts *testServer) signup(t *testing.T, name, role, specialty string) (account.Account, string) {
	t.Helper()
	email := name + "@example.com"
	status, _ := ts.do(t, http.MethodPost, "/api/auth/register", "", RegisterRequest{
		Name: name, Email: email, Password: "password123", Role: role, Specialty: specialty,
	})
	require.Equal(t, http.StatusCreated, status)

	status, resp := ts.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Email: email, Password: "password123"})
	require.Equal(t, http.StatusOK, status)
	var lr struct {
		Token string          `json:"token"`
		User  account.Account `json:"user"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &lr))
	return lr.User, lr.Token
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestScenario_OverHTTP(t *testing.T) {
	ts := newTestServer(t)
	patient, pTok := ts.signup(t, "pat", "patient", "")
	doc1, d1Tok := ts.signup(t, "doc1", "doctor", "Cardiology")
	_, d2Tok := ts.signup(t, "doc2", "doctor", "Dermatology")
	ts.disp.Wait()
	welcomes := len(ts.mail.Messages())
	assert.Equal(t, 1, welcomes)

	at := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Hour)
	status, resp := ts.do(t, http.MethodPost, "/api/appointments", pTok, CreateAppointmentRequest{
		DoctorID: doc1.ID.String(), AppointmentDate: at.Format(time.RFC3339), Reason: "checkup",
	})
	require.Equal(t, http.StatusCreated, status, resp.Message)
	booked := decode[appointment.Detail](t, resp.Data)
	assert.Equal(t, appointment.StatusPending, booked.Status)
	assert.Equal(t, patient.ID, booked.PatientID)
	assert.Equal(t, "Cardiology", booked.DoctorSpecialty)
	ts.disp.Wait()
	assert.Len(t, ts.mail.Messages(), welcomes+2)

	path := "/api/appointments/" + booked.ID.String()

	status, resp = ts.do(t, http.MethodGet, path, pTok, nil)
	require.Equal(t, http.StatusOK, status)
	got := decode[appointment.Detail](t, resp.Data)
	assert.True(t, got.ScheduledAt.Equal(at))
	assert.Equal(t, "checkup", got.Reason)

	status, resp = ts.do(t, http.MethodPatch, path+"/approve", d2Tok, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", resp.Kind)

	status, resp = ts.do(t, http.MethodPatch, path+"/approve", d1Tok, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, appointment.StatusApproved, decode[appointment.Detail](t, resp.Data).Status)
	ts.disp.Wait()
	assert.Len(t, ts.mail.Messages(), welcomes+3)

	status, resp = ts.do(t, http.MethodPatch, path+"/approve", d1Tok, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_state", resp.Kind)
	assert.Equal(t, "Appointment already approved.", resp.Message)

	status, resp = ts.do(t, http.MethodGet, "/api/appointments/doctor/stats", d1Tok, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, appointment.Stats{Total: 1, Approved: 1}, decode[appointment.Stats](t, resp.Data))

	status, _ = ts.do(t, http.MethodDelete, path, pTok, nil)
	require.Equal(t, http.StatusOK, status)

	status, resp = ts.do(t, http.MethodGet, "/api/appointments/mine", pTok, nil)
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, resp.Count)
	assert.Zero(t, *resp.Count)
	assert.JSONEq(t, `[]`, string(resp.Data))

	status, _ = ts.do(t, http.MethodGet, path, pTok, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAppointments_AccessControl(t *testing.T) {
	ts := newTestServer(t)
	_, pTok := ts.signup(t, "pat", "patient", "")
	doc, dTok := ts.signup(t, "doc", "doctor", "Cardiology")

	status, resp := ts.do(t, http.MethodGet, "/api/appointments/mine", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Access denied. No token provided.", resp.Message)

	status, resp = ts.do(t, http.MethodGet, "/api/appointments/mine", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Invalid token.", resp.Message)

	status, _ = ts.do(t, http.MethodGet, "/api/appointments/mine", dTok, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = ts.do(t, http.MethodGet, "/api/appointments/doctor/pending", pTok, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = ts.do(t, http.MethodPost, "/api/appointments", dTok, CreateAppointmentRequest{
		DoctorID: doc.ID.String(), AppointmentDate: time.Now().Add(time.Hour).Format(time.RFC3339), Reason: "x",
	})
	assert.Equal(t, http.StatusForbidden, status)

	status, resp = ts.do(t, http.MethodGet, "/api/appointments/not-a-uuid", pTok, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation_error", resp.Kind)
}

func TestBookAppointment_BadInput(t *testing.T) {
	ts := newTestServer(t)
	_, pTok := ts.signup(t, "pat", "patient", "")
	doc, _ := ts.signup(t, "doc", "doctor", "Cardiology")
	future := time.Now().Add(48 * time.Hour).Format(time.RFC3339)

	tests := []struct {
		name   string
		body   any
		status int
		kind   string
	}{
		{"malformed json", `{"doctor_id":`, http.StatusBadRequest, "validation_error"},
		{"missing reason", CreateAppointmentRequest{DoctorID: doc.ID.String(), AppointmentDate: future}, http.StatusBadRequest, "validation_error"},
		{"bad doctor id", CreateAppointmentRequest{DoctorID: "x", AppointmentDate: future, Reason: "r"}, http.StatusBadRequest, "validation_error"},
		{"bad date", CreateAppointmentRequest{DoctorID: doc.ID.String(), AppointmentDate: "tomorrow", Reason: "r"}, http.StatusBadRequest, "validation_error"},
		{"past date", CreateAppointmentRequest{DoctorID: doc.ID.String(), AppointmentDate: "2001-01-01T10:00:00Z", Reason: "r"}, http.StatusBadRequest, "validation_error"},
		{"unknown doctor", CreateAppointmentRequest{DoctorID: "6f1f9c1e-4a8e-4d39-9a55-0f5c2b0b7d11", AppointmentDate: future, Reason: "r"}, http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := ts.do(t, http.MethodPost, "/api/appointments", pTok, tt.body)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.kind, resp.Kind)
			assert.False(t, resp.Success)
		})
	}
}

func TestBookAppointment_ConflictIs409(t *testing.T) {
	ts := newTestServer(t)
	_, p1 := ts.signup(t, "p1", "patient", "")
	_, p2 := ts.signup(t, "p2", "patient", "")
	doc, _ := ts.signup(t, "doc", "doctor", "Cardiology")

	req := CreateAppointmentRequest{
		DoctorID:        doc.ID.String(),
		AppointmentDate: time.Now().Add(72 * time.Hour).Truncate(time.Minute).Format(time.RFC3339),
		Reason:          "r",
	}
	status, _ := ts.do(t, http.MethodPost, "/api/appointments", p1, req)
	require.Equal(t, http.StatusCreated, status)

	status, resp := ts.do(t, http.MethodPost, "/api/appointments", p2, req)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "conflict", resp.Kind)
}

func TestAuthEndpoints(t *testing.T) {
	ts := newTestServer(t)
	user, tok := ts.signup(t, "ada", "patient", "")

	status, resp := ts.do(t, http.MethodPost, "/api/auth/register", "", RegisterRequest{
		Name: "Ada", Email: "ADA@example.com", Password: "password123", Role: "patient",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "email already in use", resp.Message)

	status, resp = ts.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Email: "ada@example.com", Password: "nope"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid_credentials", resp.Kind)
	assert.Equal(t, "invalid credentials", resp.Message)

	status, resp = ts.do(t, http.MethodGet, "/api/auth/me", tok, nil)
	require.Equal(t, http.StatusOK, status)
	me := decode[map[string]any](t, resp.Data)
	assert.Equal(t, user.ID.String(), me["id"])
	assert.NotContains(t, me, "password_hash")
	assert.NotContains(t, me, "PasswordHash")

	status, resp = ts.do(t, http.MethodGet, "/api/auth/verify", tok, nil)
	require.Equal(t, http.StatusOK, status)
	v := decode[VerifyResponse](t, resp.Data)
	assert.True(t, v.Valid)
	assert.Equal(t, account.RolePatient, v.Role)
}

func TestLogin_SetsCookieUsableForAuth(t *testing.T) {
	ts := newTestServer(t)
	ts.signup(t, "ada", "patient", "")

	body, _ := json.Marshal(LoginRequest{Email: "ada@example.com", Password: "password123"})
	resp, err := ts.srv.Client().Post(ts.srv.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == tokenCookie {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)
	assert.Equal(t, 86400, cookie.MaxAge)

	req, _ := http.NewRequest(http.MethodGet, ts.srv.URL+"/api/auth/me", nil)
	req.AddCookie(cookie)
	me, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	me.Body.Close()
	assert.Equal(t, http.StatusOK, me.StatusCode)

	out, err := ts.srv.Client().Post(ts.srv.URL+"/api/auth/logout", "application/json", nil)
	require.NoError(t, err)
	out.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, out.StatusCode)
}

func TestDoctorEndpoints(t *testing.T) {
	ts := newTestServer(t)
	cardio, _ := ts.signup(t, "zed", "doctor", "Cardiology")
	ts.signup(t, "amy", "doctor", "Dermatology")
	pat, _ := ts.signup(t, "pat", "patient", "")

	status, resp := ts.do(t, http.MethodGet, "/api/doctors", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, resp.Count)
	assert.Equal(t, 2, *resp.Count)
	all := decode[[]account.Doctor](t, resp.Data)
	assert.Equal(t, "amy", all[0].Name)

	status, resp = ts.do(t, http.MethodGet, "/api/doctors/specialty/Cardiology", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, *resp.Count)

	status, resp = ts.do(t, http.MethodGet, "/api/doctors?specialty=Dermatology", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, *resp.Count)

	status, resp = ts.do(t, http.MethodGet, "/api/doctors/specialties", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"Cardiology", "Dermatology"}, decode[[]string](t, resp.Data))

	status, resp = ts.do(t, http.MethodGet, "/api/doctors/"+cardio.ID.String(), "junk-token", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Cardiology", decode[account.Doctor](t, resp.Data).Specialty)

	status, resp = ts.do(t, http.MethodGet, "/api/doctors/"+pat.ID.String(), "", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "user is not a doctor", resp.Message)
}

func TestRateLimit_AuthRoutes(t *testing.T) {
	ts := newTestServer(t, func(c *RouterConfig) {
		c.AuthRateRPS = 0.001
		c.AuthRateBurst = 2
	})

	for i := 0; i < 2; i++ {
		status, _ := ts.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Email: "x@example.com", Password: "y"})
		assert.Equal(t, http.StatusUnauthorized, status)
	}
	status, resp := ts.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Email: "x@example.com", Password: "y"})
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "rate_limited", resp.Kind)

	// other routes are not limited
	status, _ = ts.do(t, http.MethodGet, "/api/doctors", "", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp, err := ts.srv.Client().Get(ts.srv.URL + "/health/ready")
	require.NoError(t, err)
	var ready ReadinessResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ready))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", ready.Status)
	assert.Equal(t, "disabled", ready.Dependencies["redis"])

	down := newTestServer(t, func(c *RouterConfig) {
		c.DB = PingFunc(func(context.Context) error { return errors.New("conn refused") })
		c.Redis = PingFunc(func(context.Context) error { return nil })
	})
	resp, err = down.srv.Client().Get(down.srv.URL + "/health/ready")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ready))
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "down", ready.Dependencies["postgres"])
	assert.Equal(t, "ok", ready.Dependencies["redis"])
}

func TestWriteError_HidesUnexpectedUnlessDebug(t *testing.T) {
	cause := apperr.Wrap(errors.New("pq: connection reset"), "list doctors")

	for _, debug := range []bool{false, true} {
		rec := httptest.NewRecorder()
		writeError(rec, httptest.NewRequest(http.MethodGet, "/", nil), cause, debug)

		var out response
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "internal server error", out.Message)
		if debug {
			assert.Contains(t, out.Detail, "connection reset")
		} else {
			assert.Empty(t, out.Detail)
		}
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":false`)
}

func TestRequestIDAndCORS(t *testing.T) {
	ts := newTestServer(t)

	req, _ := http.NewRequest(http.MethodOptions, ts.srv.URL+"/api/doctors", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "GET")
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "req-123", resp.Header.Get("X-Request-ID"))

	req, _ = http.NewRequest(http.MethodGet, ts.srv.URL+"/api/doctors", nil)
	req.Header.Set("Origin", "http://evil.example")
	resp, err = ts.srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestHealth_RedisDownIsDegraded(t *testing.T) {
	ts := newTestServer(t, func(c *RouterConfig) {
		c.Redis = PingFunc(func(context.Context) error { return errors.New("timeout") })
	})
	resp, err := ts.srv.Client().Get(ts.srv.URL + "/health/ready")
	require.NoError(t, err)
	defer resp.Body.Close()

	var ready ReadinessResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ready))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "degraded", ready.Status)
	assert.Equal(t, "ok", ready.Dependencies["postgres"])
	assert.Equal(t, "down", ready.Dependencies["redis"])
}

func loginFrom(t *testing.T, ts *testServer, forwardedFor string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.srv.URL+"/api/auth/login",
		strings.NewReader(`{"email":"x@example.com","password":"y"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", forwardedFor)
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestRateLimit_IgnoresForwardedForUnlessTrusted(t *testing.T) {
	limited := func(c *RouterConfig) {
		c.AuthRateRPS = 0.001
		c.AuthRateBurst = 1
	}

	ts := newTestServer(t, limited)
	assert.Equal(t, http.StatusUnauthorized, loginFrom(t, ts, "10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, loginFrom(t, ts, "10.0.0.2"))

	proxied := newTestServer(t, limited, func(c *RouterConfig) { c.TrustProxy = true })
	assert.Equal(t, http.StatusUnauthorized, loginFrom(t, proxied, "10.0.0.1"))
	assert.Equal(t, http.StatusUnauthorized, loginFrom(t, proxied, "10.0.0.2"))
	assert.Equal(t, http.StatusTooManyRequests, loginFrom(t, proxied, "10.0.0.1"))
}

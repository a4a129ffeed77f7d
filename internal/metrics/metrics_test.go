package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRecordRequest(t *testing.T) {
	RecordRequest("GET", "/notifications", 200, 100*time.Millisecond)
	RecordRequest("POST", "/notifications", 201, 50*time.Millisecond)
	RecordRequest("GET", "/notifications", 404, 10*time.Millisecond)
}

func TestRecordNotificationCreated(t *testing.T) {
	RecordNotificationCreated("join_request", "created")
	RecordNotificationCreated("join_request", "updated")
}

func TestRecordDeliveryAttempt(t *testing.T) {
	RecordDeliveryAttempt("email", "sent")
	RecordDeliveryAttempt("sms", "failed")
	RecordDeliveryAttempt("push", "retrying")
}

func TestRecordDeliveryLatency(t *testing.T) {
	RecordDeliveryLatency("email", 500*time.Millisecond)
	RecordDeliveryLatency("in_app", 5*time.Millisecond)
}

func TestRecordRateLimitSkip(t *testing.T) {
	RecordRateLimitSkip("sms")
	RecordRateLimitSkip("email")
}

func TestRecordRetryScheduled(t *testing.T) {
	RecordRetryScheduled("email")
}

func TestRecordNotificationsExpired(t *testing.T) {
	RecordNotificationsExpired(3)
	RecordNotificationsExpired(0)
}

func TestRecordScheduleFired(t *testing.T) {
	RecordScheduleFired("ok")
	RecordScheduleFired("error")
}

func TestSetWebsocketClients(t *testing.T) {
	SetWebsocketClients(10)
	SetWebsocketClients(0)
}

func TestSetDBConnections(t *testing.T) {
	SetDBConnections(10)
	SetDBConnections(20)
}

func TestHandler(t *testing.T) {
	handler := Handler()
	if handler == nil {
		t.Error("Handler should not return nil")
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	if len(body) == 0 {
		t.Error("metrics response should not be empty")
	}
}

func TestMiddleware(t *testing.T) {
	innerCalled := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		innerCalled = true
		w.WriteHeader(http.StatusCreated)
	})

	handler := Middleware(inner)
	req := httptest.NewRequest("POST", "/notifications", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if !innerCalled {
		t.Error("inner handler should have been called")
	}

	if rec.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", rec.Code)
	}
}

func TestResponseWriter_DefaultStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.Write([]byte("test"))

	if rw.status != http.StatusOK {
		t.Errorf("expected default status 200, got %d", rw.status)
	}
}

package telephony

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dialcast/dialcast/internal/database/models"
)

func TestDialPostsFormAndReturnsSID(t *testing.T) {
	var gotForm map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if !strings.HasSuffix(r.URL.Path, "/Accounts/AC123/Calls.json") {
			t.Errorf("path = %s", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC123" || pass != "token" {
			t.Error("missing or wrong basic auth")
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parsing form: %v", err)
		}
		gotForm = map[string]string{}
		for k := range r.PostForm {
			gotForm[k] = r.PostForm.Get(k)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid":"CA900","status":"queued"}`))
	}))
	defer srv.Close()

	client := NewClient("AC123", "token", srv.URL)
	sid, err := client.Dial(context.Background(), "+15551110001", "+15550000000", "us1", DialOptions{
		MediaStreamURL:   "wss://dial.example.com/outbound-media-stream",
		StatusCallback:   "https://dial.example.com/webhooks/carrier/status",
		Recording:        true,
		MachineDetection: MachineDetection{Enabled: true, TimeoutMs: 5000},
		CustomParameters: map[string]string{"prompt": "be nice", "callSid": "internal"},
	})
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	if sid != "CA900" {
		t.Errorf("sid = %q, want CA900", sid)
	}

	if gotForm["To"] != "+15551110001" || gotForm["From"] != "+15550000000" {
		t.Errorf("To/From = %q/%q", gotForm["To"], gotForm["From"])
	}
	if gotForm["Record"] != "true" {
		t.Error("Record not set")
	}
	if gotForm["MachineDetection"] != "Enable" {
		t.Error("MachineDetection not set")
	}
	twiml := gotForm["Twiml"]
	if !strings.Contains(twiml, `<Stream url="wss://dial.example.com/outbound-media-stream">`) {
		t.Errorf("twiml missing stream url: %s", twiml)
	}
	if !strings.Contains(twiml, `<Parameter name="prompt" value="be nice"/>`) {
		t.Errorf("twiml missing custom parameter: %s", twiml)
	}
}

func TestDialCarrierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":21211,"message":"Invalid 'To' Phone Number"}`))
	}))
	defer srv.Close()

	client := NewClient("AC123", "token", srv.URL)
	_, err := client.Dial(context.Background(), "nonsense", "+15550000000", "", DialOptions{})
	if err == nil {
		t.Fatal("Dial() should fail on carrier error")
	}
	if !strings.Contains(err.Error(), "21211") {
		t.Errorf("error should carry carrier code: %v", err)
	}
}

func TestHangupIdempotent(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		switch calls {
		case 1:
			w.Write([]byte(`{"sid":"CA900","status":"completed"}`))
		case 2:
			// Second hangup: call is no longer in progress.
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"code":21220,"message":"Call is not in-progress"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"code":20404,"message":"not found"}`))
		}
	}))
	defer srv.Close()

	client := NewClient("AC123", "token", srv.URL)
	for i := 0; i < 3; i++ {
		if err := client.Hangup(context.Background(), "CA900", "test"); err != nil {
			t.Errorf("Hangup() #%d error: %v", i+1, err)
		}
	}
}

func TestNormalizeStatus(t *testing.T) {
	tests := []struct {
		carrier string
		want    string
	}{
		{"queued", models.CallQueued},
		{"initiated", models.CallInitiated},
		{"ringing", models.CallRinging},
		{"in-progress", models.CallInProgress},
		{"answered", models.CallInProgress},
		{"completed", models.CallCompleted},
		{"busy", models.CallBusy},
		{"no-answer", models.CallNoAnswer},
		{"failed", models.CallFailed},
		{"canceled", models.CallCanceled},
		{"warbling", ""},
	}
	for _, tt := range tests {
		if got := NormalizeStatus(tt.carrier); got != tt.want {
			t.Errorf("NormalizeStatus(%q) = %q, want %q", tt.carrier, got, tt.want)
		}
	}
}

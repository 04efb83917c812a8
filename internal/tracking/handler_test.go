package tracking

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image/png"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jeffreasy/LaventeCareBulkMail/internal/mailing"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/storage/memory"
)

type plainCodec struct{}

func (plainCodec) Encrypt(s string) (string, error) { return s, nil }
func (plainCodec) Decrypt(s string) string          { return s }

// failingStore fails every write, standing in for a database outage.
type failingStore struct{}

var errDown = errors.New("database unavailable")

func (failingStore) RecordOpen(context.Context, string, string, time.Time) error      { return errDown }
func (failingStore) AddClick(context.Context, string, string, time.Time) error        { return errDown }
func (failingStore) SetSurveyChoice(context.Context, string, string, time.Time) error { return errDown }

// cancelAwareStore records whether the context it was handed is already done.
type cancelAwareStore struct {
	failingStore
	sawErr error
}

func (s *cancelAwareStore) RecordOpen(ctx context.Context, _, _ string, _ time.Time) error {
	s.sawErr = ctx.Err()
	return nil
}

func newServer(t *testing.T, store Store) http.Handler {
	t.Helper()
	r := chi.NewRouter()
	r.Mount("/track", NewHandler(NewCorrelator(store), "https://app.example.com/").Routes())
	return r
}

func seedJob(t *testing.T) (*memory.Store, mailing.EmailJob) {
	t.Helper()
	ctx := context.Background()
	s := memory.New(plainCodec{})
	user := uuid.New()
	require.NoError(t, s.CreateUser(ctx, mailing.User{ID: user, Plan: mailing.PlanFree, CreatedAt: time.Now()}))
	c := mailing.Campaign{ID: uuid.New(), UserID: user, Host: mailing.HostDirect, CreatedAt: time.Now()}
	job := mailing.EmailJob{
		ID: uuid.New(), CampaignID: c.ID, TrackingID: "0f1e2d3c4b5a69788796a5b4c3d2e1f0",
		Recipient: "r@example.com", Subject: "s", Status: mailing.StatusSent,
		ScheduledFor: time.Now(), MaxRetries: 3, CreatedAt: time.Now(),
	}
	require.NoError(t, s.CreateCampaign(ctx, c, []mailing.EmailJob{job}, nil))
	return s, job
}

func get(t *testing.T, h http.Handler, target string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleOpen_FirstAndSecondHit(t *testing.T) {
	store, job := seedJob(t)
	srv := newServer(t, store)
	path := "/track/open/" + job.TrackingID + "/pixel.png"

	rec := get(t, srv, path, "X-Forwarded-For", "203.0.113.10")
	require.Equal(t, http.StatusOK, rec.Code)

	first, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, first.OpenCount)
	require.NotNil(t, first.OpenedAt)
	assert.Equal(t, "203.0.113.10", first.IPAddress)

	time.Sleep(5 * time.Millisecond)
	get(t, srv, path, "X-Forwarded-For", "203.0.113.11")

	second, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, second.OpenCount)
	assert.True(t, first.OpenedAt.Equal(*second.OpenedAt), "openedAt is set once")
	assert.Equal(t, "203.0.113.11", second.IPAddress)
}

func TestHandleOpen_AlwaysServesPixel(t *testing.T) {
	for name, store := range map[string]Store{"unknown id": memory.New(plainCodec{}), "store down": failingStore{}} {
		t.Run(name, func(t *testing.T) {
			rec := get(t, newServer(t, store), "/track/open/nope/pixel.png")

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
			assert.Contains(t, rec.Header().Get("Cache-Control"), "no-store")
			assert.Equal(t, "no-cache", rec.Header().Get("Pragma"))

			img, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
			require.NoError(t, err)
			assert.Equal(t, 1, img.Bounds().Dx())
			assert.Equal(t, 1, img.Bounds().Dy())
			_, _, _, a := img.At(0, 0).RGBA()
			assert.Zero(t, a, "pixel must be transparent")
		})
	}
}

func TestHandleOpen_WriteSurvivesClientCancel(t *testing.T) {
	store := &cancelAwareStore{}
	srv := newServer(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/track/open/abc/pixel.png", nil).WithContext(ctx)
	srv.ServeHTTP(httptest.NewRecorder(), req)

	assert.NoError(t, store.sawErr, "store write must not inherit the request's cancellation")
}

func TestHandleClick_RecordsAndRedirects(t *testing.T) {
	store, job := seedJob(t)
	srv := newServer(t, store)
	dest := "https://example.com/page"

	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		q := url.QueryEscape(enc.EncodeToString([]byte(dest)))
		rec := get(t, srv, "/track/click/"+job.TrackingID+"?url="+q)

		assert.Equal(t, http.StatusFound, rec.Code)
		assert.Equal(t, dest, rec.Header().Get("Location"))
	}

	clicks := store.Clicks(job.ID)
	require.Len(t, clicks, 3)
	assert.Equal(t, dest, clicks[0].URL)
}

func TestHandleClick_RedirectsEvenWhenStoreFails(t *testing.T) {
	srv := newServer(t, failingStore{})
	q := base64.StdEncoding.EncodeToString([]byte("https://example.com/page"))

	rec := get(t, srv, "/track/click/whatever?url="+url.QueryEscape(q))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://example.com/page", rec.Header().Get("Location"))
}

func TestHandleClick_UndecodableGoesToAppRoot(t *testing.T) {
	store, job := seedJob(t)
	srv := newServer(t, store)

	for _, q := range []string{"", "bm90IGEgdXJs", url.QueryEscape(base64.StdEncoding.EncodeToString([]byte("javascript:alert(1)")))} {
		rec := get(t, srv, "/track/click/"+job.TrackingID+"?url="+q)
		assert.Equal(t, http.StatusFound, rec.Code)
		assert.Equal(t, "https://app.example.com/", rec.Header().Get("Location"))
	}
	assert.Empty(t, store.Clicks(job.ID))
}

func TestHandleSurvey_LastAnswerWins(t *testing.T) {
	store, job := seedJob(t)
	srv := newServer(t, store)

	rec := get(t, srv, "/track/survey/"+job.TrackingID+"/YES")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "Thank you!")

	got, _ := store.GetJob(context.Background(), job.ID)
	assert.Equal(t, "yes", got.SurveyChoice)
	require.NotNil(t, got.SurveyClickedAt)

	get(t, srv, "/track/survey/"+job.TrackingID+"/No")
	got, _ = store.GetJob(context.Background(), job.ID)
	assert.Equal(t, "no", got.SurveyChoice)

	// Unrecognised tokens are stored verbatim after decoding.
	get(t, srv, "/track/survey/"+job.TrackingID+"/Call%20Me")
	got, _ = store.GetJob(context.Background(), job.ID)
	assert.Equal(t, "call me", got.SurveyChoice)
}

func TestHandleSurvey_FailureStillConfirms(t *testing.T) {
	rec := get(t, newServer(t, failingStore{}), "/track/survey/missing/no")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Thank you!")
}

func TestDecodeDestination(t *testing.T) {
	dest := "https://example.com/a?b=c&d=e"

	got, ok := DecodeDestination(base64.StdEncoding.EncodeToString([]byte(dest)))
	assert.True(t, ok)
	assert.Equal(t, dest, got)

	// '+' decoded to space by query parsing is restored.
	withPlus := base64.StdEncoding.EncodeToString([]byte("https://example.com/?q=>>>"))
	got, ok = DecodeDestination(strings.ReplaceAll(withPlus, "+", " "))
	assert.True(t, ok)
	assert.Equal(t, "https://example.com/?q=>>>", got)

	_, ok = DecodeDestination(base64.StdEncoding.EncodeToString([]byte("/relative/path")))
	assert.False(t, ok)
}

func TestDecodeDestination_Schemes(t *testing.T) {
	tests := []struct {
		dest string
		ok   bool
	}{
		{"https://example.com/page", true},
		{"https://example.com/page ", true},
		{"http://example.com", true},
		{"mailto:sales@example.com", true},
		{"tel:+3112345", true},
		{"javascript:alert(1)", false},
		{"JavaScript:alert(1)", false},
		{"data:text/html,<script>alert(1)</script>", false},
		{"vbscript:msgbox", false},
		{"not a url", false},
	}
	for _, tt := range tests {
		t.Run(tt.dest, func(t *testing.T) {
			got, ok := DecodeDestination(base64.URLEncoding.EncodeToString([]byte(tt.dest)))
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.dest, got, "destination is returned literally")
			}
		})
	}
}

func TestHandleClick_NonWebSchemes(t *testing.T) {
	store, job := seedJob(t)
	srv := newServer(t, store)

	for _, dest := range []string{"mailto:sales@example.com", "tel:+3112345"} {
		q := url.QueryEscape(base64.StdEncoding.EncodeToString([]byte(dest)))
		rec := get(t, srv, "/track/click/"+job.TrackingID+"?url="+q)

		assert.Equal(t, http.StatusFound, rec.Code)
		assert.Equal(t, dest, rec.Header().Get("Location"))
	}
	require.Len(t, store.Clicks(job.ID), 2)
}

func TestHandleSurvey_DecodesOnce(t *testing.T) {
	store, job := seedJob(t)
	srv := newServer(t, store)

	get(t, srv, "/track/survey/"+job.TrackingID+"/%2541")
	got, _ := store.GetJob(context.Background(), job.ID)
	assert.Equal(t, "%41", got.SurveyChoice)

	get(t, srv, "/track/survey/"+job.TrackingID+"/Yes%2FNo")
	got, _ = store.GetJob(context.Background(), job.ID)
	assert.Equal(t, "yes/no", got.SurveyChoice)
}

func TestNormalizeChoice(t *testing.T) {
	assert.Equal(t, "maybe", NormalizeChoice("MAYBE", false))
	assert.Equal(t, " yes ", NormalizeChoice(" Yes ", false))
	assert.Equal(t, "%41", NormalizeChoice("%41", false))
	assert.Equal(t, "call me", NormalizeChoice("Call%20Me", true))
}

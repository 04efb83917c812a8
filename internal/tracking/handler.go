package tracking

import (
	"encoding/base64"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Jeffreasy/LaventeCareBulkMail/internal/api/helpers"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/metrics"
)

// Handler serves the public tracking endpoints. Every endpoint answers
// successfully whatever happens to the store write behind it.
type Handler struct {
	correlator *Correlator
	appURL     string
}

// NewHandler builds the handler. appURL is where undecodable click links land.
func NewHandler(c *Correlator, appURL string) *Handler {
	if appURL == "" {
		appURL = "/"
	}
	return &Handler{correlator: c, appURL: appURL}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/open/{trackingId}/pixel.png", h.HandleOpen)
	r.Get("/click/{trackingId}", h.HandleClick)
	r.Get("/survey/{trackingId}/{choice}", h.HandleSurvey)
	return r
}

// HandleOpen always returns the transparent pixel.
func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	trackingID := chi.URLParam(r, "trackingId")

	if err := h.correlator.RegisterOpen(r.Context(), trackingID, helpers.GetRealIP(r)); err != nil {
		slog.WarnContext(r.Context(), "tracking_open_failed", "tracking_id", trackingID, "error", err)
		metrics.RecordTracking("open", "failed")
	} else {
		metrics.RecordTracking("open", "recorded")
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(pixelPNG)))
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate, private")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	w.Write(pixelPNG)
}

// HandleClick records the click and redirects to the decoded destination.
// The redirect happens even when the store write fails.
func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	trackingID := chi.URLParam(r, "trackingId")

	dest, ok := DecodeDestination(r.URL.Query().Get("url"))
	if !ok {
		metrics.RecordTracking("click", "invalid")
		http.Redirect(w, r, h.appURL, http.StatusFound)
		return
	}

	if err := h.correlator.RegisterClick(r.Context(), trackingID, dest); err != nil {
		slog.WarnContext(r.Context(), "tracking_click_failed", "tracking_id", trackingID, "error", err)
		metrics.RecordTracking("click", "failed")
	} else {
		metrics.RecordTracking("click", "recorded")
	}

	http.Redirect(w, r, dest, http.StatusFound)
}

// HandleSurvey stores the answer and always renders a confirmation page.
func (h *Handler) HandleSurvey(w http.ResponseWriter, r *http.Request) {
	trackingID := chi.URLParam(r, "trackingId")
	// chi hands back an escaped segment only when it routed on RawPath.
	choice := NormalizeChoice(chi.URLParam(r, "choice"), r.URL.RawPath != "")

	page := surveyPage(choice)
	if choice == "" {
		metrics.RecordTracking("survey", "invalid")
		page = affirmativePage()
	} else if err := h.correlator.RegisterSurvey(r.Context(), trackingID, choice); err != nil {
		slog.WarnContext(r.Context(), "tracking_survey_failed", "tracking_id", trackingID, "error", err)
		metrics.RecordTracking("survey", "failed")
		page = affirmativePage()
	} else {
		metrics.RecordTracking("survey", "recorded")
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if err := surveyTemplate.Execute(w, page); err != nil {
		slog.ErrorContext(r.Context(), "survey_render_failed", "error", err)
	}
}

// Schemes a browser would execute instead of navigate to.
var blockedSchemes = map[string]bool{
	"javascript": true,
	"vbscript":   true,
	"data":       true,
}

// DecodeDestination decodes a base64 destination in the standard or URL-safe
// alphabet, padded or not, and returns it exactly as decoded. The result
// must parse as a URL with a scheme; script-capable schemes are refused.
func DecodeDestination(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}
	// Query parsing turns an unescaped '+' into a space.
	raw = strings.ReplaceAll(raw, " ", "+")

	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	}
	for _, enc := range encodings {
		b, err := enc.DecodeString(raw)
		if err != nil {
			continue
		}
		dest := string(b)
		u, err := url.Parse(dest)
		if err != nil || u.Scheme == "" || blockedSchemes[u.Scheme] {
			return "", false
		}
		return dest, true
	}
	return "", false
}

// NormalizeChoice lower-cases a survey token, URL-decoding it first when
// escaped is set. A token is decoded at most once.
func NormalizeChoice(raw string, escaped bool) string {
	if escaped {
		if decoded, err := url.PathUnescape(raw); err == nil {
			raw = decoded
		}
	}
	return strings.ToLower(raw)
}

type surveyView struct {
	Choice  string
	Title   string
	Message string
	Accent  string
}

func surveyPage(choice string) surveyView {
	switch choice {
	case "yes":
		return surveyView{Choice: choice, Title: "Thank you!", Message: "Great to hear. We'll be in touch.", Accent: "#16a34a"}
	case "maybe":
		return surveyView{Choice: choice, Title: "Thanks for letting us know", Message: "We'll follow up with more information.", Accent: "#d97706"}
	case "no":
		return surveyView{Choice: choice, Title: "Thanks for your response", Message: "We won't bother you about this again.", Accent: "#6b7280"}
	default:
		return surveyView{Choice: choice, Title: "Thanks for your response", Message: "Your answer has been recorded.", Accent: "#2563eb"}
	}
}

// affirmativePage is shown when the answer could not be stored.
func affirmativePage() surveyView {
	v := surveyPage("yes")
	v.Choice = ""
	return v
}

var surveyTemplate = template.Must(template.New("survey").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><meta name="viewport" content="width=device-width, initial-scale=1"><title>{{.Title}}</title></head>
<body style="font-family:Arial,sans-serif;text-align:center;padding:50px;">
	<h1 style="color:{{.Accent}};">{{.Title}}</h1>
	<p>{{.Message}}</p>
	{{if .Choice}}<p style="color:#6b7280;">Your answer: <strong>{{.Choice}}</strong></p>{{end}}
</body>
</html>`))

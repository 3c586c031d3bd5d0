package twilio

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/twilio/twilio-go/twiml"
)

// VoiceWebhook answers the telephony provider's voice webhook with TwiML
// that routes the call's audio into the media-stream WebSocket endpoint.
type VoiceWebhook struct {
	// StreamURL is the absolute wss:// URL of the media endpoint.
	StreamURL string

	// Greeting, when non-empty, is spoken before the stream connects.
	Greeting string

	Logger *slog.Logger
}

// ServeHTTP renders the <Connect><Stream> answer document.
func (h *VoiceWebhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	callSID := r.PostFormValue("CallSid")
	from := r.PostFormValue("From")

	log := h.Logger
	if log == nil {
		log = slog.Default()
	}
	log.Info("incoming call", "call_sid", callSID, "from", from)

	elements := make([]twiml.Element, 0, 2)
	if h.Greeting != "" {
		elements = append(elements, &twiml.VoiceSay{Message: h.Greeting})
	}
	elements = append(elements, &twiml.VoiceConnect{
		InnerElements: []twiml.Element{
			&twiml.VoiceStream{Url: h.StreamURL},
		},
	})

	doc, err := twiml.Voice(elements)
	if err != nil {
		log.Error("render answer twiml", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/xml")
	_, _ = io.WriteString(w, doc)
}

// SignatureMiddleware rejects webhook requests whose X-Twilio-Signature
// header does not match the HMAC-SHA1 of the request URL and sorted form
// parameters under the account auth token.
func SignatureMiddleware(authToken string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		form, err := url.ParseQuery(string(body))
		if err != nil {
			http.Error(w, "failed to parse form", http.StatusBadRequest)
			return
		}
		params := make(map[string]string, len(form))
		for key, values := range form {
			if len(values) > 0 {
				params[key] = values[0]
			}
		}

		signature := r.Header.Get("X-Twilio-Signature")
		if !ValidateSignature(authToken, signature, requestURL(r), params) {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}

		// Re-prime the body so the handler can use PostFormValue.
		r.Body = io.NopCloser(strings.NewReader(string(body)))
		r.Form = nil
		r.PostForm = nil
		next.ServeHTTP(w, r)
	})
}

// ValidateSignature checks an X-Twilio-Signature value: base64 HMAC-SHA1
// over the full request URL followed by each POST parameter key and value
// in key-sorted order.
func ValidateSignature(authToken, signature, requestURL string, params map[string]string) bool {
	data := requestURL
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		data += k + params[k]
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(data))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}

// requestURL reconstructs the absolute URL the provider signed. Behind a
// proxy the forwarded host wins; plain HTTP is assumed only for local
// development hosts.
func requestURL(r *http.Request) string {
	scheme := "https"
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
		if strings.Contains(host, "localhost") || strings.Contains(host, "127.0.0.1") {
			scheme = "http"
		}
	}
	u := fmt.Sprintf("%s://%s%s", scheme, host, r.URL.Path)
	if r.URL.RawQuery != "" {
		u += "?" + r.URL.RawQuery
	}
	return u
}

package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"go.miloapis.com/email-provider-mailchimp/pkg/mailchimp"
)

var _ = Describe("Webhook HTTP handling", func() {
	const secret = "s3cret"

	var (
		wh       *Webhook
		received []Request
	)

	BeforeEach(func() {
		received = nil
		wh = &Webhook{
			Handler: HandlerFunc(func(_ context.Context, req Request) Response {
				received = append(received, req)
				return Response{HttpStatus: http.StatusAccepted}
			}),
			Endpoint: ContactGroupMembershipEndpoint,
			secret:   secret,
		}
	})

	serve := func(method, query, body string) *httptest.ResponseRecorder {
		target := ContactGroupMembershipEndpoint
		if query != "" {
			target += "?" + query
		}
		req := httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		wh.ServeHTTP(rec, req)
		return rec
	}

	subscribeForm := url.Values{
		"type":          {"subscribe"},
		"fired_at":      {"2009-03-26 21:35:57"},
		"data[id]":      {"8a25ff1d98"},
		"data[list_id]": {"a6b5da1054"},
		"data[email]":   {"api@mailchimp.com"},
	}.Encode()

	It("rejects requests without the secret", func() {
		Expect(serve(http.MethodPost, "", subscribeForm).Code).To(Equal(http.StatusUnauthorized))
		Expect(received).To(BeEmpty())
	})

	It("rejects requests with a wrong secret", func() {
		Expect(serve(http.MethodPost, "secret=nope", subscribeForm).Code).To(Equal(http.StatusUnauthorized))
		Expect(received).To(BeEmpty())
	})

	It("rejects every request when no secret is configured", func() {
		wh.secret = ""
		Expect(serve(http.MethodGet, "secret=", "").Code).To(Equal(http.StatusUnauthorized))
	})

	It("answers the registration check", func() {
		Expect(serve(http.MethodGet, "secret="+secret, "").Code).To(Equal(http.StatusOK))
		Expect(received).To(BeEmpty())
	})

	It("rejects other methods", func() {
		rec := serve(http.MethodPut, "secret="+secret, subscribeForm)
		Expect(rec.Code).To(Equal(http.StatusMethodNotAllowed))
		Expect(rec.Header().Get("Allow")).To(Equal("GET, POST"))
	})

	It("rejects a form without an event type", func() {
		Expect(serve(http.MethodPost, "secret="+secret, "data[email]=a%40example.com").Code).To(Equal(http.StatusBadRequest))
		Expect(received).To(BeEmpty())
	})

	It("rejects a malformed form body", func() {
		Expect(serve(http.MethodPost, "secret="+secret, "type=%zz").Code).To(Equal(http.StatusBadRequest))
	})

	It("hands the parsed event to the handler", func() {
		rec := serve(http.MethodPost, "secret="+secret, subscribeForm)
		Expect(rec.Code).To(Equal(http.StatusAccepted))

		Expect(received).To(HaveLen(1))
		event := received[0].Event
		Expect(event.Type).To(Equal(mailchimp.EventTypeSubscribe))
		Expect(event.Email).To(Equal("api@mailchimp.com"))
		Expect(event.ListID).To(Equal("a6b5da1054"))
		Expect(event.MemberID).To(Equal("8a25ff1d98"))
	})

	It("turns a handler panic into an internal error", func() {
		wh.Handler = HandlerFunc(func(context.Context, Request) Response {
			panic("boom")
		})
		Expect(serve(http.MethodPost, "secret="+secret, subscribeForm).Code).To(Equal(http.StatusInternalServerError))
	})
})

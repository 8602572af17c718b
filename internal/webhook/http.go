package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	notificationmiloapiscomv1alpha1 "go.miloapis.com/milo/pkg/apis/notification/v1alpha1"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	"go.miloapis.com/email-provider-mailchimp/pkg/mailchimp"
)

// SecretQueryParam carries the shared secret in the webhook URL registered on the Mailchimp list.
const SecretQueryParam = "secret"

type Webhook struct {
	Handler  Handler
	Endpoint string
	secret   string
}

type Request struct {
	Event *mailchimp.WebhookEvent
}

type Response struct {
	HttpStatus int `json:"HttpStatus"`
}

func OkResponse() Response {
	return Response{HttpStatus: http.StatusOK}
}

func BadRequestResponse() Response {
	return Response{HttpStatus: http.StatusBadRequest}
}

func UnauthorizedResponse() Response {
	return Response{HttpStatus: http.StatusUnauthorized}
}

func MethodNotAllowedResponse() Response {
	return Response{HttpStatus: http.StatusMethodNotAllowed}
}

func InternalServerErrorResponse() Response {
	return Response{HttpStatus: http.StatusInternalServerError}
}

type HandlerFunc func(context.Context, Request) Response

func (f HandlerFunc) Handle(ctx context.Context, req Request) Response {
	return f(ctx, req)
}

type Handler interface {
	Handle(context.Context, Request) Response
}

var (
	ErrMissingSecret = errors.New("missing webhook secret")
	ErrInvalidSecret = errors.New("invalid webhook secret")
)

// verifySecret compares the secret query parameter with the configured one.
func verifySecret(r *http.Request, secret string) error {
	if secret == "" {
		return ErrMissingSecret
	}
	got := r.URL.Query().Get(SecretQueryParam)
	if got == "" {
		return ErrMissingSecret
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
		return ErrInvalidSecret
	}
	return nil
}

const (
	contactEmailIndexKey           = "contact-email"
	groupListIDIndexKey            = "group-mailchimp-list-id"
	groupMembershipRemovalIndexKey = "group-membership-removal"
)

func buildGroupMembershipRemovalIndexKey(contactRef *notificationmiloapiscomv1alpha1.ContactReference, groupRef *notificationmiloapiscomv1alpha1.ContactGroupReference) string {
	return fmt.Sprintf("%s-%s-%s-%s", contactRef.Name, contactRef.Namespace, groupRef.Name, groupRef.Namespace)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// contactEmailIndex indexes Contacts by their lowercased spec.email.
func contactEmailIndex(rawObj client.Object) []string {
	contact := rawObj.(*notificationmiloapiscomv1alpha1.Contact)
	if contact.Spec.Email == "" {
		return nil
	}
	return []string{normalizeEmail(contact.Spec.Email)}
}

// groupListIDIndex indexes ContactGroups by their Mailchimp list id.
func groupListIDIndex(rawObj client.Object) []string {
	group := rawObj.(*notificationmiloapiscomv1alpha1.ContactGroup)
	for _, provider := range group.Spec.Providers {
		if provider.Name == mailchimp.ProviderName && provider.ID != "" {
			return []string{provider.ID}
		}
	}
	return nil
}

func groupMembershipRemovalIndex(rawObj client.Object) []string {
	removal := rawObj.(*notificationmiloapiscomv1alpha1.ContactGroupMembershipRemoval)
	return []string{buildGroupMembershipRemovalIndexKey(&removal.Spec.ContactRef, &removal.Spec.ContactGroupRef)}
}

// setupIndexes sets up the field indexes the handler looks objects up by
func setupIndexes(mgr ctrl.Manager) error {
	indexer := mgr.GetFieldIndexer()

	if err := indexer.IndexField(context.Background(), &notificationmiloapiscomv1alpha1.Contact{}, contactEmailIndexKey, contactEmailIndex); err != nil {
		return fmt.Errorf("failed to create contact index for email: %w", err)
	}

	if err := indexer.IndexField(context.Background(), &notificationmiloapiscomv1alpha1.ContactGroup{}, groupListIDIndexKey, groupListIDIndex); err != nil {
		return fmt.Errorf("failed to create contact group index for list id: %w", err)
	}

	if err := indexer.IndexField(context.Background(), &notificationmiloapiscomv1alpha1.ContactGroupMembershipRemoval{}, groupMembershipRemovalIndexKey, groupMembershipRemovalIndex); err != nil {
		return fmt.Errorf("failed to create contact group membership removal index: %w", err)
	}

	return nil
}

// SetupWithManager sets up the webhook with the Manager
func (w *Webhook) SetupWithManager(mgr ctrl.Manager) error {
	if err := setupIndexes(mgr); err != nil {
		return err
	}

	hookServer := mgr.GetWebhookServer()
	hookServer.Register(w.Endpoint, w)

	return nil
}

func (wh *Webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := logf.FromContext(r.Context()).WithName("mailchimp-http-webhook")
	log.Info("Handling request", "method", r.Method, "remoteAddr", r.RemoteAddr)

	defer func() {
		if r := recover(); r != nil {
			log.Error(nil, "Panic in webhook handler", "panic", r)
			wh.writeResponse(w, InternalServerErrorResponse())
		}
	}()

	if err := verifySecret(r, wh.secret); err != nil {
		log.Error(err, "Webhook verification failed")
		wh.writeResponse(w, UnauthorizedResponse())
		return
	}

	switch r.Method {
	case http.MethodGet:
		// Mailchimp checks the URL with a GET when the webhook is registered.
		wh.writeResponse(w, OkResponse())
		return
	case http.MethodPost:
	default:
		log.Error(nil, "Method not allowed", "method", r.Method)
		w.Header().Set("Allow", strings.Join([]string{http.MethodGet, http.MethodPost}, ", "))
		wh.writeResponse(w, MethodNotAllowedResponse())
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Error(err, "Failed to read request body")
		wh.writeResponse(w, InternalServerErrorResponse())
		return
	}
	defer func() {
		if err := r.Body.Close(); err != nil {
			log.Error(err, "Failed to close request body")
		}
	}()

	form, err := url.ParseQuery(string(body))
	if err != nil {
		log.Error(err, "Failed to parse form body")
		wh.writeResponse(w, BadRequestResponse())
		return
	}

	event, err := mailchimp.ParseWebhookEvent(form)
	if err != nil {
		log.Error(err, "Failed to parse webhook event")
		wh.writeResponse(w, BadRequestResponse())
		return
	}

	log.Info("Parsed event", "type", event.Type, "firedAt", event.FiredAt, "listID", event.ListID)

	wh.writeResponse(w, wh.Handler.Handle(r.Context(), Request{Event: event}))
}

func (wh *Webhook) writeResponse(w http.ResponseWriter, response Response) {
	w.WriteHeader(response.HttpStatus)
}

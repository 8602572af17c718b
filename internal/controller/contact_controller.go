package controller

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"github.com/asaskevich/govalidator"
	notificationmiloapiscomv1alpha1 "go.miloapis.com/milo/pkg/apis/notification/v1alpha1"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/finalizer"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	"go.miloapis.com/email-provider-mailchimp/internal/util"
	"go.miloapis.com/email-provider-mailchimp/pkg/mailchimp"
)

const (
	mailchimpContactFinalizerKey = "notification.miloapis.com/mailchimp-contact"
	contactFieldOwner            = "mailchimpcontact-controller"
	newsletterContactPrefix      = "newsletter-"
)

const (
	// MailchimpContactReadyCondition is set to true when the contact is a member of the default list
	MailchimpContactReadyCondition = "MailchimpContactReady"
	// MailchimpContactNotCreatedReason is set when Mailchimp refused the subscription
	MailchimpContactNotCreatedReason = "ContactNotCreated"
	// MailchimpContactCreatedReason is set when the contact was subscribed
	MailchimpContactCreatedReason = "ContactCreated"
	// MailchimpContactUpdatedReason is set when the member was updated
	MailchimpContactUpdatedReason = "ContactUpdated"
	// MailchimpContactNotUpdatedReason is set when Mailchimp refused the update
	MailchimpContactNotUpdatedReason = "ContactNotUpdated"
)

const (
	// NewsLetterAddedCondition is set to true when the newsletter membership exists
	NewsLetterAddedCondition = "NewsLetterAdded"
	// NewsLetterAddedReason is set when the newsletter membership was created
	NewsLetterAddedReason = "NewsLetterAdded"
	// NewsLetterNotAddedReason is set when the newsletter membership could not be created
	NewsLetterNotAddedReason = "NewsLetterNotAdded"
)

var errInvalidEmail = errors.New("contact email is not a valid address")

// MailchimpContactController mirrors Contact objects into the default Mailchimp list.
type MailchimpContactController struct {
	Client                          client.Client
	Finalizers                      finalizer.Finalizers
	Mailchimp                       mailchimp.API
	NewsLetterContactGroupName      string
	NewsLetterContactGroupNamespace string
}

// mailchimpContactFinalizer removes the member from the default list
type mailchimpContactFinalizer struct {
	Client    client.Client
	Mailchimp mailchimp.API
}

func (f *mailchimpContactFinalizer) Finalize(ctx context.Context, obj client.Object) (finalizer.Result, error) {
	log := logf.FromContext(ctx).WithValues("finalizer", "ContactFinalizer", "trigger", obj.GetName())
	log.Info("Finalizing Contact")

	contact, ok := obj.(*notificationmiloapiscomv1alpha1.Contact)
	if !ok {
		log.Error(fmt.Errorf("object is not a Contact"), "Failed to finalize Contact")
		return finalizer.Result{}, fmt.Errorf("object is not a Contact")
	}

	if err := f.deleteMember(ctx, contact); err != nil {
		log.Error(err, "Failed to delete Mailchimp member")
		return finalizer.Result{}, fmt.Errorf("failed to delete Mailchimp member: %w", err)
	}

	return finalizer.Result{}, nil
}

// +kubebuilder:rbac:groups=notification.miloapis.com,resources=contacts,verbs=get;list;watch
// +kubebuilder:rbac:groups=notification.miloapis.com,resources=contacts/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=notification.miloapis.com,resources=contacts/finalizers,verbs=update
// +kubebuilder:rbac:groups=notification.miloapis.com,resources=contactgroupmemberships,verbs=get;list;watch;create

// Reconcile subscribes or updates the Contact on the default list.
func (r *MailchimpContactController) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	log := logf.FromContext(ctx).WithValues("controller", "ContactController", "trigger", req.NamespacedName)
	log.Info("Starting reconciliation", "namespacedName", req.String(), "name", req.Name, "namespace", req.Namespace)

	contact := &notificationmiloapiscomv1alpha1.Contact{}
	err := r.Client.Get(ctx, req.NamespacedName, contact)
	if err != nil {
		if apierrors.IsNotFound(err) {
			log.Info("Contact not found. Probably deleted.")
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, fmt.Errorf("failed to get contact: %w", err)
	}

	finalizeResult, err := r.Finalizers.Finalize(ctx, contact)
	if err != nil {
		log.Error(err, "Failed to run finalizers for Contact")
		return ctrl.Result{}, fmt.Errorf("failed to run finalizers for Contact: %w", err)
	}
	if finalizeResult.Updated {
		log.Info("finalizer updated the contact object, updating API server")
		if updateErr := r.Client.Update(ctx, contact); updateErr != nil {
			if apierrors.IsConflict(updateErr) {
				log.Info("Conflict updating Contact after finalizer update; requeuing")
				return ctrl.Result{Requeue: true}, nil
			}
			log.Error(updateErr, "Failed to update Contact after finalizer update")
			return ctrl.Result{}, updateErr
		}
		return ctrl.Result{}, nil
	}
	if !contact.GetDeletionTimestamp().IsZero() {
		return ctrl.Result{}, nil
	}

	oldStatus := contact.Status.DeepCopy()
	original := contact.DeepCopy()
	readyCond := meta.FindStatusCondition(contact.Status.Conditions, MailchimpContactReadyCondition)

	switch {
	// First creation, or a previous attempt was refused
	case readyCond == nil || readyCond.Reason == MailchimpContactNotCreatedReason:
		log.Info("Mailchimp member creation")

		memberID, err := r.upsertMember(ctx, contact)
		if err != nil && !isRejected(err) {
			log.Error(err, "Failed to create Mailchimp member")
			return ctrl.Result{}, fmt.Errorf("failed to create Mailchimp member: %w", err)
		}

		if err != nil {
			log.Info("Mailchimp refused the member", "error", err.Error())
			meta.SetStatusCondition(&contact.Status.Conditions, metav1.Condition{
				Type:               MailchimpContactReadyCondition,
				Status:             metav1.ConditionFalse,
				Reason:             MailchimpContactNotCreatedReason,
				Message:            fmt.Sprintf("Mailchimp member not created on email provider: %s", err.Error()),
				LastTransitionTime: metav1.Now(),
				ObservedGeneration: contact.GetGeneration(),
			})
		} else {
			log.Info("Mailchimp member created", "euid", memberID)
			meta.SetStatusCondition(&contact.Status.Conditions, metav1.Condition{
				Type:               MailchimpContactReadyCondition,
				Status:             metav1.ConditionTrue,
				Reason:             MailchimpContactCreatedReason,
				Message:            "Mailchimp member created on email provider",
				LastTransitionTime: metav1.Now(),
				ObservedGeneration: contact.GetGeneration(),
			})
			setProviderStatus(contact, memberID)
		}

	// Update, the generation changed since the last processed one
	case readyCond.ObservedGeneration != contact.GetGeneration():
		log.Info("Contact updated")

		memberID, err := r.upsertMember(ctx, contact)
		if err != nil && !isRejected(err) {
			log.Error(err, "Failed to update Mailchimp member")
			return ctrl.Result{}, fmt.Errorf("failed to update Mailchimp member: %w", err)
		}

		if err != nil {
			log.Info("Failed to update member on email provider", "error", err.Error())
			meta.SetStatusCondition(&contact.Status.Conditions, metav1.Condition{
				Type:               MailchimpContactReadyCondition,
				Status:             metav1.ConditionFalse,
				Reason:             MailchimpContactNotUpdatedReason,
				Message:            fmt.Sprintf("Mailchimp member not updated on email provider: %s", err.Error()),
				LastTransitionTime: metav1.Now(),
				ObservedGeneration: contact.GetGeneration(),
			})
		} else {
			log.Info("Mailchimp member updated", "euid", memberID)
			meta.SetStatusCondition(&contact.Status.Conditions, metav1.Condition{
				Type:               MailchimpContactReadyCondition,
				Status:             metav1.ConditionTrue,
				Reason:             MailchimpContactUpdatedReason,
				Message:            "Mailchimp member updated on email provider",
				LastTransitionTime: metav1.Now(),
				ObservedGeneration: contact.GetGeneration(),
			})
			setProviderStatus(contact, memberID)
		}
	}

	errorAddingToNewsLetter := false
	if r.isNewsletterContact(contact) {
		errorAddingToNewsLetter = r.addToNewsLetterList(ctx, contact)
	}

	if err := util.PatchStatusIfChanged(ctx, util.StatusPatch{
		Client:     r.Client,
		Logger:     log,
		Object:     contact,
		Original:   original,
		OldStatus:  oldStatus,
		NewStatus:  &contact.Status,
		FieldOwner: contactFieldOwner,
	}); err != nil {
		return ctrl.Result{}, fmt.Errorf("failed to patch contact status: %w", err)
	}

	if errorAddingToNewsLetter {
		return ctrl.Result{}, fmt.Errorf("failed to add contact to the newsletter group")
	}

	log.Info("Contact reconciled")

	return ctrl.Result{}, nil
}

// SetupWithManager sets up the controller with the Manager.
func (r *MailchimpContactController) SetupWithManager(mgr ctrl.Manager) error {
	if err := r.RegisterFinalizers(); err != nil {
		return err
	}

	return ctrl.NewControllerManagedBy(mgr).
		For(&notificationmiloapiscomv1alpha1.Contact{}).
		Named("mailchimpcontact").
		Complete(r)
}

// RegisterFinalizers registers the member removal finalizer.
func (r *MailchimpContactController) RegisterFinalizers() error {
	r.Finalizers = finalizer.NewFinalizers()
	if err := r.Finalizers.Register(mailchimpContactFinalizerKey, &mailchimpContactFinalizer{
		Client:    r.Client,
		Mailchimp: r.Mailchimp,
	}); err != nil {
		return fmt.Errorf("failed to register mailchimp contact finalizer: %w", err)
	}
	return nil
}

// upsertMember updates the member known by its euid, or subscribes the
// address when no member is recorded yet. It returns the member euid.
func (r *MailchimpContactController) upsertMember(ctx context.Context, contact *notificationmiloapiscomv1alpha1.Contact) (string, error) {
	log := logf.FromContext(ctx).WithValues("controller", "MailchimpContactController", "trigger", contact.Name)

	if !govalidator.IsEmail(contact.Spec.Email) {
		return "", fmt.Errorf("%w: %q", errInvalidEmail, contact.Spec.Email)
	}

	if memberID := memberIDFromStatus(contact); memberID != "" {
		log.Info("Updating Mailchimp member", "euid", memberID)

		vars := contactMergeVars(contact)
		vars["new-email"] = contact.Spec.Email

		res, err := r.Mailchimp.Lists().
			SetMergeVars([]mailchimp.MergeVars{vars}).
			UpdateMember(ctx, memberID, mailchimp.IdentifierEUID, mailchimp.UpdateMemberOptions{ReplaceInterests: false})
		if err == nil {
			if euid := res.Get("euid").String(); euid != "" {
				return euid, nil
			}
			return memberID, nil
		}
		if !mailchimp.IsNotFound(err) {
			return "", fmt.Errorf("failed to update Mailchimp member: %w", err)
		}
		log.Info("Mailchimp member not found, subscribing again", "euid", memberID)
	}

	log.Info("Subscribing Mailchimp member")
	res, err := r.Mailchimp.Lists().
		SetMergeVars([]mailchimp.MergeVars{contactMergeVars(contact)}).
		Subscribe(ctx, contact.Spec.Email, mailchimp.IdentifierEmail, mailchimp.SubscribeOptions{
			DoubleOptin:    false,
			UpdateExisting: true,
			SendWelcome:    false,
		})
	if err != nil {
		return "", fmt.Errorf("failed to subscribe Mailchimp member: %w", err)
	}

	return res.Get("euid").String(), nil
}

func (f *mailchimpContactFinalizer) deleteMember(ctx context.Context, contact *notificationmiloapiscomv1alpha1.Contact) error {
	log := logf.FromContext(ctx).WithValues("controller", "MailchimpContactController", "trigger", contact.Name)
	log.Info("Deleting Mailchimp member")

	emailID, identifier := contact.Spec.Email, mailchimp.IdentifierEmail
	if memberID := memberIDFromStatus(contact); memberID != "" {
		emailID, identifier = memberID, mailchimp.IdentifierEUID
	}

	_, err := f.Mailchimp.Lists().Unsubscribe(ctx, emailID, identifier, mailchimp.UnsubscribeOptions{
		DeleteMember: true,
		SendGoodbye:  false,
		SendNotify:   false,
	})
	if err != nil {
		if !mailchimp.IsNotFound(err) {
			return fmt.Errorf("failed to unsubscribe Mailchimp member: %w", err)
		}
		log.Info("Mailchimp member not found, probably deleted already")
	}

	return nil
}

// isNewsletterContact returns true if the contact name starts with "newsletter-".
func (r *MailchimpContactController) isNewsletterContact(contact *notificationmiloapiscomv1alpha1.Contact) bool {
	return strings.HasPrefix(contact.Name, newsletterContactPrefix)
}

// addToNewsLetterList creates the newsletter ContactGroupMembership and
// reports whether that failed.
func (r *MailchimpContactController) addToNewsLetterList(ctx context.Context, contact *notificationmiloapiscomv1alpha1.Contact) bool {
	log := logf.FromContext(ctx).WithValues("controller", "MailchimpContactController", "trigger", contact.Name)

	if r.NewsLetterContactGroupName == "" {
		log.Info("No newsletter contact group configured, skipping")
		return false
	}

	newsLetterCond := meta.FindStatusCondition(contact.Status.Conditions, NewsLetterAddedCondition)
	if newsLetterCond != nil && newsLetterCond.Status == metav1.ConditionTrue {
		log.Info("News letter already added")
		return false
	}

	log.Info("Adding contact to the newsletter group")
	contactgroupmembership := notificationmiloapiscomv1alpha1.ContactGroupMembership{
		ObjectMeta: metav1.ObjectMeta{
			Name:      r.generateCgmName(contact),
			Namespace: contact.Namespace,
		},
		Spec: notificationmiloapiscomv1alpha1.ContactGroupMembershipSpec{
			ContactRef: notificationmiloapiscomv1alpha1.ContactReference{
				Name:      contact.Name,
				Namespace: contact.Namespace,
			},
			ContactGroupRef: notificationmiloapiscomv1alpha1.ContactGroupReference{
				Name:      r.NewsLetterContactGroupName,
				Namespace: r.NewsLetterContactGroupNamespace,
			},
		},
	}

	if err := r.Client.Create(ctx, &contactgroupmembership); err != nil && !apierrors.IsAlreadyExists(err) {
		log.Error(err, "Failed to create ContactGroupMembership")

		meta.SetStatusCondition(&contact.Status.Conditions, metav1.Condition{
			Type:               NewsLetterAddedCondition,
			Status:             metav1.ConditionFalse,
			Reason:             NewsLetterNotAddedReason,
			Message:            fmt.Sprintf("Contact not added to Newsletter list: %s", err.Error()),
			LastTransitionTime: metav1.Now(),
			ObservedGeneration: contact.GetGeneration(),
		})

		return true
	}

	meta.SetStatusCondition(&contact.Status.Conditions, metav1.Condition{
		Type:               NewsLetterAddedCondition,
		Status:             metav1.ConditionTrue,
		Reason:             NewsLetterAddedReason,
		Message:            "Contact added to Newsletter list on email provider.",
		LastTransitionTime: metav1.Now(),
		ObservedGeneration: contact.GetGeneration(),
	})

	log.Info("ContactGroupMembership created")
	return false
}

// generateCgmName generates a deterministic name for a ContactGroupMembership
func (r *MailchimpContactController) generateCgmName(contact *notificationmiloapiscomv1alpha1.Contact) string {
	hash := sha256.Sum256([]byte(string(contact.UID)))
	return fmt.Sprintf("%s-%x", contact.Name, hash)
}

func contactMergeVars(contact *notificationmiloapiscomv1alpha1.Contact) mailchimp.MergeVars {
	return mailchimp.MergeVars{
		"FNAME": contact.Spec.GivenName,
		"LNAME": contact.Spec.FamilyName,
	}
}

// memberIDFromStatus returns the euid recorded for the Mailchimp provider.
func memberIDFromStatus(contact *notificationmiloapiscomv1alpha1.Contact) string {
	return util.ProviderID(contact.Status.Providers, mailchimp.ProviderName)
}

func setProviderStatus(contact *notificationmiloapiscomv1alpha1.Contact, memberID string) {
	contact.Status.Providers = util.WithProviderID(contact.Status.Providers, mailchimp.ProviderName, memberID)
}

// isRejected reports errors caused by the contact data rather than by the
// environment. Those are surfaced as conditions instead of being retried.
func isRejected(err error) bool {
	if errors.Is(err, errInvalidEmail) || mailchimp.IsInvalidArgument(err) {
		return true
	}
	return mailchimp.IsAPIError(err) && !mailchimp.IsInvalidAPIKey(err)
}

package controller

import (
	"context"
	"fmt"

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
	// MailchimpContactGroupMembershipReadyCondition is set to true when the contact is subscribed to the group's list
	MailchimpContactGroupMembershipReadyCondition = "MailchimpContactGroupMembershipReady"
	// MailchimpContactGroupMembershipNotCreatedReason is set when the subscription failed
	MailchimpContactGroupMembershipNotCreatedReason = "ContactGroupMembershipNotCreated"
	// MailchimpContactGroupMembershipCreatedReason is set when the contact was subscribed
	MailchimpContactGroupMembershipCreatedReason = "ContactGroupMembershipCreated"
	// MailchimpContactGroupMembershipNotFinalizedReason is set when the unsubscription failed
	MailchimpContactGroupMembershipNotFinalizedReason = "ContactGroupMembershipNotFinalized"
)

const (
	mailchimpContactGroupMembershipFinalizerKey = "notification.miloapis.com/mailchimp-contact-group-membership"
	contactGroupMembershipFieldOwner            = "mailchimpcontactgroupmembership-controller"
)

// MailchimpContactGroupMembershipController subscribes contacts to the
// Mailchimp list referenced by their ContactGroup.
type MailchimpContactGroupMembershipController struct {
	Client     client.Client
	Finalizers finalizer.Finalizers
	Mailchimp  mailchimp.API
}

// mailchimpContactGroupMembershipFinalizer unsubscribes the contact from the group's list
type mailchimpContactGroupMembershipFinalizer struct {
	Client    client.Client
	Mailchimp mailchimp.API
}

func (f *mailchimpContactGroupMembershipFinalizer) Finalize(ctx context.Context, obj client.Object) (finalizer.Result, error) {
	log := logf.FromContext(ctx).WithValues("finalizer", "ContactGroupMembershipFinalizer", "trigger", obj.GetName())
	log.Info("Finalizing ContactGroupMembership")

	cgm, ok := obj.(*notificationmiloapiscomv1alpha1.ContactGroupMembership)
	if !ok {
		log.Error(fmt.Errorf("object is not a ContactGroupMembership"), "Failed to finalize ContactGroupMembership")
		return finalizer.Result{}, fmt.Errorf("object is not a ContactGroupMembership")
	}

	var finalizerError error

	contact, contactGroup, err := getReferencedResources(ctx, f.Client, cgm)
	switch {
	case apierrors.IsNotFound(err):
		// The member went away together with the Contact or the list.
		log.Info("Referenced resource not found, nothing to unsubscribe", "reason", err.Error())
		return finalizer.Result{}, nil
	case err != nil:
		log.Error(err, "Failed to get referenced resources")
		finalizerError = fmt.Errorf("failed to get referenced resources: %w", err)
	default:
		if err := f.removeContactFromList(ctx, contact, contactGroup); err != nil {
			log.Error(err, "Failed to remove contact from Mailchimp list")
			finalizerError = fmt.Errorf("failed to remove contact from Mailchimp list: %w", err)
		}
	}

	if finalizerError == nil {
		return finalizer.Result{}, nil
	}

	original := cgm.DeepCopy()
	oldStatus := cgm.Status.DeepCopy()

	meta.SetStatusCondition(&cgm.Status.Conditions, metav1.Condition{
		Type:               MailchimpContactGroupMembershipReadyCondition,
		Status:             metav1.ConditionFalse,
		Reason:             MailchimpContactGroupMembershipNotFinalizedReason,
		Message:            fmt.Sprintf("Failed to remove contact from Mailchimp list: %s", finalizerError.Error()),
		LastTransitionTime: metav1.Now(),
		ObservedGeneration: cgm.GetGeneration(),
	})

	if err := util.PatchStatusIfChanged(ctx, util.StatusPatch{
		Client:     f.Client,
		Logger:     log,
		Object:     cgm,
		Original:   original,
		OldStatus:  oldStatus,
		NewStatus:  &cgm.Status,
		FieldOwner: contactGroupMembershipFieldOwner,
	}); err != nil {
		log.Error(err, "Failed to patch contactgroupmembership status in finalizer")
		finalizerError = fmt.Errorf("failed to patch contactgroupmembership status in finalizer: %w", err)
	}

	return finalizer.Result{}, finalizerError
}

// +kubebuilder:rbac:groups=notification.miloapis.com,resources=contactgroupmemberships,verbs=get;list;watch
// +kubebuilder:rbac:groups=notification.miloapis.com,resources=contactgroupmemberships/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=notification.miloapis.com,resources=contactgroupmemberships/finalizers,verbs=update
// +kubebuilder:rbac:groups=notification.miloapis.com,resources=contactgroups,verbs=get;list;watch

// Reconcile subscribes the referenced Contact to the group's Mailchimp list.
func (r *MailchimpContactGroupMembershipController) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	log := logf.FromContext(ctx).WithValues("controller", "ContactGroupMembershipController", "trigger", req.NamespacedName)
	log.Info("Starting reconciliation", "namespacedName", req.String(), "name", req.Name, "namespace", req.Namespace)

	cgm := &notificationmiloapiscomv1alpha1.ContactGroupMembership{}
	err := r.Client.Get(ctx, req.NamespacedName, cgm)
	if err != nil {
		if apierrors.IsNotFound(err) {
			log.Info("ContactGroupMembership not found. Probably deleted.")
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, fmt.Errorf("failed to get contactgroupmembership: %w", err)
	}

	finalizeResult, err := r.Finalizers.Finalize(ctx, cgm)
	if err != nil {
		log.Error(err, "Failed to run finalizers for ContactGroupMembership")
		return ctrl.Result{}, fmt.Errorf("failed to run finalizers for ContactGroupMembership: %w", err)
	}
	if finalizeResult.Updated {
		log.Info("finalizer updated the contactgroupmembership object, updating API server")
		if updateErr := r.Client.Update(ctx, cgm); updateErr != nil {
			if apierrors.IsConflict(updateErr) {
				log.Info("Conflict updating ContactGroupMembership after finalizer update; requeuing")
				return ctrl.Result{Requeue: true}, nil
			}
			log.Error(updateErr, "Failed to update ContactGroupMembership after finalizer update")
			return ctrl.Result{}, updateErr
		}
		return ctrl.Result{}, nil
	}
	if !cgm.GetDeletionTimestamp().IsZero() {
		return ctrl.Result{}, nil
	}

	contact, contactGroup, err := getReferencedResources(ctx, r.Client, cgm)
	if err != nil {
		log.Error(err, "Failed to get referenced resources")
		return ctrl.Result{}, fmt.Errorf("failed to get referenced resources: %w", err)
	}

	var reconcileError error
	oldStatus := cgm.Status.DeepCopy()
	original := cgm.DeepCopy()
	readyCond := meta.FindStatusCondition(cgm.Status.Conditions, MailchimpContactGroupMembershipReadyCondition)

	if readyCond == nil || readyCond.Reason == MailchimpContactGroupMembershipNotCreatedReason {
		log.Info("Mailchimp list subscription")

		memberID, err := r.addContactToList(ctx, contact, contactGroup)
		if err != nil {
			reconcileError = err
			log.Error(err, "Failed to add contact to Mailchimp list")
			meta.SetStatusCondition(&cgm.Status.Conditions, metav1.Condition{
				Type:               MailchimpContactGroupMembershipReadyCondition,
				Status:             metav1.ConditionFalse,
				Reason:             MailchimpContactGroupMembershipNotCreatedReason,
				Message:            fmt.Sprintf("Mailchimp list subscription not created on email provider: %s", err.Error()),
				LastTransitionTime: metav1.Now(),
				ObservedGeneration: cgm.GetGeneration(),
			})
		} else {
			log.Info("Mailchimp list subscription created")
			meta.SetStatusCondition(&cgm.Status.Conditions, metav1.Condition{
				Type:               MailchimpContactGroupMembershipReadyCondition,
				Status:             metav1.ConditionTrue,
				Reason:             MailchimpContactGroupMembershipCreatedReason,
				Message:            "Mailchimp list subscription created on email provider",
				LastTransitionTime: metav1.Now(),
				ObservedGeneration: cgm.GetGeneration(),
			})
			cgm.Status.Providers = util.WithProviderID(cgm.Status.Providers, mailchimp.ProviderName, memberID)
		}
	}

	if err := util.PatchStatusIfChanged(ctx, util.StatusPatch{
		Client:     r.Client,
		Logger:     log,
		Object:     cgm,
		Original:   original,
		OldStatus:  oldStatus,
		NewStatus:  &cgm.Status,
		FieldOwner: contactGroupMembershipFieldOwner,
	}); err != nil {
		return ctrl.Result{}, err
	}

	if reconcileError != nil {
		return ctrl.Result{}, reconcileError
	}

	log.Info("Contactgroupmembership reconciled")
	return ctrl.Result{}, nil
}

// SetupWithManager sets up the controller with the Manager.
func (r *MailchimpContactGroupMembershipController) SetupWithManager(mgr ctrl.Manager) error {
	if err := r.RegisterFinalizers(); err != nil {
		return err
	}

	return ctrl.NewControllerManagedBy(mgr).
		For(&notificationmiloapiscomv1alpha1.ContactGroupMembership{}).
		Named("mailchimpcontactgroupmembership").
		Complete(r)
}

// RegisterFinalizers registers the list unsubscription finalizer.
func (r *MailchimpContactGroupMembershipController) RegisterFinalizers() error {
	r.Finalizers = finalizer.NewFinalizers()
	if err := r.Finalizers.Register(mailchimpContactGroupMembershipFinalizerKey, &mailchimpContactGroupMembershipFinalizer{
		Client:    r.Client,
		Mailchimp: r.Mailchimp,
	}); err != nil {
		return fmt.Errorf("failed to register mailchimp contact group membership finalizer: %w", err)
	}
	return nil
}

// addContactToList subscribes the contact and returns its euid on that list.
func (r *MailchimpContactGroupMembershipController) addContactToList(ctx context.Context, c *notificationmiloapiscomv1alpha1.Contact, cg *notificationmiloapiscomv1alpha1.ContactGroup) (string, error) {
	log := logf.FromContext(ctx).WithValues("controller", "MailchimpContactGroupMembershipController", "trigger", c.Name)

	listID, err := getListID(cg)
	if err != nil {
		return "", err
	}
	log.Info("Adding contact to Mailchimp list", "listID", listID)

	res, err := r.Mailchimp.Lists().
		SetListID(listID).
		SetMergeVars([]mailchimp.MergeVars{contactMergeVars(c)}).
		Subscribe(ctx, c.Spec.Email, mailchimp.IdentifierEmail, mailchimp.SubscribeOptions{
			DoubleOptin:      false,
			UpdateExisting:   true,
			ReplaceInterests: false,
			SendWelcome:      false,
		})
	if err != nil {
		if mailchimp.IsAlreadySubscribed(err) {
			log.Info("Contact already subscribed to Mailchimp list", "listID", listID)
			return "", nil
		}
		return "", fmt.Errorf("failed to subscribe contact to Mailchimp list: %w", err)
	}

	return res.Get("euid").String(), nil
}

func (f *mailchimpContactGroupMembershipFinalizer) removeContactFromList(ctx context.Context, c *notificationmiloapiscomv1alpha1.Contact, cg *notificationmiloapiscomv1alpha1.ContactGroup) error {
	log := logf.FromContext(ctx).WithValues("controller", "MailchimpContactGroupMembershipController", "trigger", c.Name)

	listID, err := getListID(cg)
	if err != nil {
		return err
	}
	log.Info("Removing contact from Mailchimp list", "listID", listID)

	_, err = f.Mailchimp.Lists().
		SetListID(listID).
		Unsubscribe(ctx, c.Spec.Email, mailchimp.IdentifierEmail, mailchimp.UnsubscribeOptions{
			DeleteMember: false,
			SendGoodbye:  false,
			SendNotify:   false,
		})
	if err != nil {
		if mailchimp.IsNotFound(err) {
			log.Info("Contact not subscribed to Mailchimp list, nothing to remove", "listID", listID)
			return nil
		}
		return fmt.Errorf("failed to unsubscribe contact from Mailchimp list: %w", err)
	}

	return nil
}

// getListID returns the Mailchimp list id of the contact group.
func getListID(cg *notificationmiloapiscomv1alpha1.ContactGroup) (string, error) {
	for _, provider := range cg.Spec.Providers {
		if provider.Name == mailchimp.ProviderName && provider.ID != "" {
			return provider.ID, nil
		}
	}

	return "", fmt.Errorf("mailchimp list ID not found for contact group %s/%s", cg.Namespace, cg.Name)
}

func getReferencedResources(ctx context.Context, k8sClient client.Client, cgm *notificationmiloapiscomv1alpha1.ContactGroupMembership) (*notificationmiloapiscomv1alpha1.Contact, *notificationmiloapiscomv1alpha1.ContactGroup, error) {
	contact := &notificationmiloapiscomv1alpha1.Contact{}
	err := k8sClient.Get(ctx, client.ObjectKey{Name: cgm.Spec.ContactRef.Name, Namespace: cgm.Spec.ContactRef.Namespace}, contact)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get Contact: %w", err)
	}

	contactGroup := &notificationmiloapiscomv1alpha1.ContactGroup{}
	err = k8sClient.Get(ctx, client.ObjectKey{Name: cgm.Spec.ContactGroupRef.Name, Namespace: cgm.Spec.ContactGroupRef.Namespace}, contactGroup)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get ContactGroup: %w", err)
	}

	return contact, contactGroup, nil
}

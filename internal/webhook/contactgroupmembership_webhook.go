package webhook

import (
	"context"
	"fmt"

	notificationmiloapiscomv1alpha1 "go.miloapis.com/milo/pkg/apis/notification/v1alpha1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	"go.miloapis.com/email-provider-mailchimp/pkg/mailchimp"
)

// ContactGroupMembershipEndpoint is the path the Mailchimp list webhook posts to.
const ContactGroupMembershipEndpoint = "/apis/emailnotification.k8s.io/v1/mailchimp/contactgroupmemberships"

// +kubebuilder:rbac:groups=notification.miloapis.com,resources=contacts,verbs=get;list;watch
// +kubebuilder:rbac:groups=notification.miloapis.com,resources=contactgroups,verbs=get;list;watch
// +kubebuilder:rbac:groups=notification.miloapis.com,resources=contactgroupmemberships,verbs=create
// +kubebuilder:rbac:groups=notification.miloapis.com,resources=contactgroupmembershipremovals,verbs=get;list;watch;create;delete

// NewMailchimpContactGroupMembershipWebhookV1 mirrors list subscribe and
// unsubscribe events into ContactGroupMembership and
// ContactGroupMembershipRemoval objects.
func NewMailchimpContactGroupMembershipWebhookV1(k8sClient client.Client, secret string) *Webhook {
	return &Webhook{
		Handler: HandlerFunc(func(ctx context.Context, req Request) Response {
			log := logf.FromContext(ctx).WithName("mailchimp-webhook-handler")

			event := req.Event
			if event == nil {
				log.Info("Request carries no event")
				return BadRequestResponse()
			}

			var subscribed bool
			switch event.Type {
			case mailchimp.EventTypeSubscribe:
				subscribed = true
			case mailchimp.EventTypeUnsubscribe, mailchimp.EventTypeCleaned:
				subscribed = false
			default:
				log.Info("Ignoring event", "type", event.Type)
				return OkResponse()
			}

			if event.Email == "" {
				log.Info("data[email] is empty, cannot find contact")
				return BadRequestResponse()
			}
			if event.ListID == "" {
				log.Info("data[list_id] is empty, cannot find contact group")
				return BadRequestResponse()
			}

			contact, err := getContactByEmail(ctx, k8sClient, event.Email)
			if err != nil {
				log.Error(err, "Failed to get contact by email", "email", event.Email)
				return InternalServerErrorResponse()
			}
			if contact == nil {
				// Lists may hold members that were never created through Milo.
				log.Info("Contact not found for email, ignoring event", "email", event.Email)
				return OkResponse()
			}
			log.Info("Found contact for webhook event", "contactName", contact.Name, "contactNamespace", contact.Namespace, "contactUID", contact.UID)

			group, err := getContactGroupByListID(ctx, k8sClient, event.ListID)
			if err != nil {
				log.Error(err, "Failed to get contact group by list ID", "listID", event.ListID)
				return InternalServerErrorResponse()
			}
			if group == nil {
				log.Info("Contact group not found for list ID, ignoring event", "listID", event.ListID)
				return OkResponse()
			}
			log.Info("Found contact group for webhook event", "listID", event.ListID, "groupName", group.Name, "groupNamespace", group.Namespace, "groupUID", group.UID)

			removal, err := getContactGroupMembershipRemoval(ctx, k8sClient, contact, group)
			if err != nil {
				log.Error(err, "Failed to get contact group membership removal", "contactName", contact.Name, "contactNamespace", contact.Namespace, "listID", event.ListID)
				return InternalServerErrorResponse()
			}

			if subscribed {
				log.Info("Processing subscribe event")

				if removal != nil {
					log.Info("Contact group membership removal found, deleting", "removalName", removal.Name, "removalNamespace", removal.Namespace)
					if err := k8sClient.Delete(ctx, removal); err != nil && !apierrors.IsNotFound(err) {
						log.Error(err, "Failed to delete contact group membership removal", "removalName", removal.Name)
						return InternalServerErrorResponse()
					}
				}

				if err := createContactGroupMembership(ctx, k8sClient, contact, group); err != nil && !apierrors.IsAlreadyExists(err) {
					log.Error(err, "Failed to create contact group membership")
					return InternalServerErrorResponse()
				}

				return OkResponse()
			}

			log.Info("Processing unsubscribe event", "type", event.Type, "reason", event.Reason)

			if removal != nil {
				log.Info("Contact group membership removal found, skipping creation", "removalName", removal.Name, "removalNamespace", removal.Namespace)
				return OkResponse()
			}

			if err := createContactGroupMembershipRemoval(ctx, k8sClient, contact, group); err != nil {
				log.Error(err, "Failed to create contact group membership removal", "contactName", contact.Name, "contactNamespace", contact.Namespace, "listID", event.ListID)
				return InternalServerErrorResponse()
			}

			return OkResponse()
		}),
		Endpoint: ContactGroupMembershipEndpoint,
		secret:   secret,
	}
}

// getContactByEmail retrieves a Contact through the email index
func getContactByEmail(ctx context.Context, k8sClient client.Client, email string) (*notificationmiloapiscomv1alpha1.Contact, error) {
	log := logf.FromContext(ctx)

	var contactList notificationmiloapiscomv1alpha1.ContactList
	if err := k8sClient.List(ctx, &contactList,
		client.MatchingFields{contactEmailIndexKey: normalizeEmail(email)},
	); err != nil {
		return nil, err
	}

	if len(contactList.Items) == 0 {
		return nil, nil
	}

	if len(contactList.Items) > 1 {
		log.Info("Multiple contacts found with same email, using first one",
			"email", email,
			"count", len(contactList.Items))
	}

	return &contactList.Items[0], nil
}

// getContactGroupByListID retrieves a ContactGroup through the Mailchimp list id index
func getContactGroupByListID(ctx context.Context, k8sClient client.Client, listID string) (*notificationmiloapiscomv1alpha1.ContactGroup, error) {
	log := logf.FromContext(ctx)

	var contactGroupList notificationmiloapiscomv1alpha1.ContactGroupList
	if err := k8sClient.List(ctx, &contactGroupList,
		client.MatchingFields{groupListIDIndexKey: listID},
	); err != nil {
		return nil, err
	}

	if len(contactGroupList.Items) == 0 {
		return nil, nil
	}

	if len(contactGroupList.Items) > 1 {
		log.Info("Multiple contact groups found with same list ID, using first one",
			"listID", listID,
			"count", len(contactGroupList.Items))
	}

	return &contactGroupList.Items[0], nil
}

func createContactGroupMembership(ctx context.Context, k8sClient client.Client, contact *notificationmiloapiscomv1alpha1.Contact, group *notificationmiloapiscomv1alpha1.ContactGroup) error {
	log := logf.FromContext(ctx)

	contactGroupMembership := &notificationmiloapiscomv1alpha1.ContactGroupMembership{
		ObjectMeta: metav1.ObjectMeta{
			GenerateName: fmt.Sprintf("%s-%s-", group.Name, contact.Name),
			Namespace:    group.Namespace,
		},
		Spec: notificationmiloapiscomv1alpha1.ContactGroupMembershipSpec{
			ContactRef: notificationmiloapiscomv1alpha1.ContactReference{
				Name:      contact.Name,
				Namespace: contact.Namespace,
			},
			ContactGroupRef: notificationmiloapiscomv1alpha1.ContactGroupReference{
				Name:      group.Name,
				Namespace: group.Namespace,
			},
		},
	}

	if err := k8sClient.Create(ctx, contactGroupMembership); err != nil {
		return err
	}

	log.Info("Created contact group membership", "contactName", contact.Name, "contactNamespace", contact.Namespace, "contactUID", contact.UID)
	return nil
}

// getContactGroupMembershipRemoval retrieves the removal for contact and group through the removal index
func getContactGroupMembershipRemoval(ctx context.Context, k8sClient client.Client, contact *notificationmiloapiscomv1alpha1.Contact, group *notificationmiloapiscomv1alpha1.ContactGroup) (*notificationmiloapiscomv1alpha1.ContactGroupMembershipRemoval, error) {
	log := logf.FromContext(ctx)

	var removalList notificationmiloapiscomv1alpha1.ContactGroupMembershipRemovalList
	if err := k8sClient.List(ctx, &removalList,
		client.MatchingFields{groupMembershipRemovalIndexKey: buildGroupMembershipRemovalIndexKey(&notificationmiloapiscomv1alpha1.ContactReference{
			Name:      contact.Name,
			Namespace: contact.Namespace,
		}, &notificationmiloapiscomv1alpha1.ContactGroupReference{
			Name:      group.Name,
			Namespace: group.Namespace,
		})},
	); err != nil {
		return nil, err
	}

	if len(removalList.Items) == 0 {
		return nil, nil
	}

	if len(removalList.Items) > 1 {
		log.Info("Multiple contact group membership removals found with same contact and group, using first one", "contactName", contact.Name, "contactNamespace", contact.Namespace, "groupName", group.Name, "groupNamespace", group.Namespace, "count", len(removalList.Items))
	}

	return &removalList.Items[0], nil
}

func createContactGroupMembershipRemoval(ctx context.Context, k8sClient client.Client, contact *notificationmiloapiscomv1alpha1.Contact, group *notificationmiloapiscomv1alpha1.ContactGroup) error {
	log := logf.FromContext(ctx)

	removal := &notificationmiloapiscomv1alpha1.ContactGroupMembershipRemoval{
		ObjectMeta: metav1.ObjectMeta{
			GenerateName: fmt.Sprintf("%s-%s-", group.Name, contact.Name),
			Namespace:    group.Namespace,
		},
		Spec: notificationmiloapiscomv1alpha1.ContactGroupMembershipRemovalSpec{
			ContactRef: notificationmiloapiscomv1alpha1.ContactReference{
				Name:      contact.Name,
				Namespace: contact.Namespace,
			},
			ContactGroupRef: notificationmiloapiscomv1alpha1.ContactGroupReference{
				Name:      group.Name,
				Namespace: group.Namespace,
			},
		},
	}

	if err := k8sClient.Create(ctx, removal); err != nil {
		return err
	}

	log.Info("Created contact group membership removal", "removalName", removal.Name, "removalNamespace", removal.Namespace)
	return nil
}

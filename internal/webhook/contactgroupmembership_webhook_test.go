package webhook

import (
	"context"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	notificationmiloapiscomv1alpha1 "go.miloapis.com/milo/pkg/apis/notification/v1alpha1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"go.miloapis.com/email-provider-mailchimp/pkg/mailchimp"
)

var _ = Describe("Mailchimp contact group membership webhook", func() {
	const listID = "a6b5da1054"

	var (
		ctx       context.Context
		k8sClient client.Client
		contact   *notificationmiloapiscomv1alpha1.Contact
		group     *notificationmiloapiscomv1alpha1.ContactGroup
	)

	handle := func(event *mailchimp.WebhookEvent) Response {
		return NewMailchimpContactGroupMembershipWebhookV1(k8sClient, "s3cret").Handler.Handle(ctx, Request{Event: event})
	}

	memberships := func() []notificationmiloapiscomv1alpha1.ContactGroupMembership {
		var list notificationmiloapiscomv1alpha1.ContactGroupMembershipList
		Expect(k8sClient.List(ctx, &list)).To(Succeed())
		return list.Items
	}

	removals := func() []notificationmiloapiscomv1alpha1.ContactGroupMembershipRemoval {
		var list notificationmiloapiscomv1alpha1.ContactGroupMembershipRemovalList
		Expect(k8sClient.List(ctx, &list)).To(Succeed())
		return list.Items
	}

	existingRemoval := func() *notificationmiloapiscomv1alpha1.ContactGroupMembershipRemoval {
		return &notificationmiloapiscomv1alpha1.ContactGroupMembershipRemoval{
			ObjectMeta: metav1.ObjectMeta{Name: "newsletter-ada-old", Namespace: "default"},
			Spec: notificationmiloapiscomv1alpha1.ContactGroupMembershipRemovalSpec{
				ContactRef:      notificationmiloapiscomv1alpha1.ContactReference{Name: "ada", Namespace: "default"},
				ContactGroupRef: notificationmiloapiscomv1alpha1.ContactGroupReference{Name: "newsletter", Namespace: "default"},
			},
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		contact = &notificationmiloapiscomv1alpha1.Contact{
			ObjectMeta: metav1.ObjectMeta{Name: "ada", Namespace: "default"},
			Spec: notificationmiloapiscomv1alpha1.ContactSpec{
				Email: "Ada@Example.com",
			},
		}
		group = newContactGroup("newsletter", "default", listID)
	})

	Context("subscribe events", func() {
		It("creates a membership for the contact and group", func() {
			k8sClient = newFakeClient(contact, group)

			resp := handle(&mailchimp.WebhookEvent{Type: mailchimp.EventTypeSubscribe, Email: "ada@example.com", ListID: listID})
			Expect(resp.HttpStatus).To(Equal(http.StatusOK))

			items := memberships()
			Expect(items).To(HaveLen(1))
			Expect(items[0].Namespace).To(Equal("default"))
			Expect(items[0].Spec.ContactRef.Name).To(Equal("ada"))
			Expect(items[0].Spec.ContactGroupRef.Name).To(Equal("newsletter"))
		})

		It("deletes a pending removal", func() {
			k8sClient = newFakeClient(contact, group, existingRemoval())

			resp := handle(&mailchimp.WebhookEvent{Type: mailchimp.EventTypeSubscribe, Email: "ada@example.com", ListID: listID})
			Expect(resp.HttpStatus).To(Equal(http.StatusOK))

			Expect(removals()).To(BeEmpty())
			Expect(memberships()).To(HaveLen(1))
		})
	})

	Context("unsubscribe events", func() {
		It("creates a removal", func() {
			k8sClient = newFakeClient(contact, group)

			resp := handle(&mailchimp.WebhookEvent{Type: mailchimp.EventTypeUnsubscribe, Email: "ada@example.com", ListID: listID, Reason: "manual"})
			Expect(resp.HttpStatus).To(Equal(http.StatusOK))

			items := removals()
			Expect(items).To(HaveLen(1))
			Expect(items[0].Spec.ContactRef.Name).To(Equal("ada"))
			Expect(items[0].Spec.ContactGroupRef.Name).To(Equal("newsletter"))
		})

		It("treats cleaned addresses as removed", func() {
			k8sClient = newFakeClient(contact, group)

			resp := handle(&mailchimp.WebhookEvent{Type: mailchimp.EventTypeCleaned, Email: "ada@example.com", ListID: listID, Reason: "hard"})
			Expect(resp.HttpStatus).To(Equal(http.StatusOK))
			Expect(removals()).To(HaveLen(1))
		})

		It("does not duplicate an existing removal", func() {
			k8sClient = newFakeClient(contact, group, existingRemoval())

			resp := handle(&mailchimp.WebhookEvent{Type: mailchimp.EventTypeUnsubscribe, Email: "ada@example.com", ListID: listID})
			Expect(resp.HttpStatus).To(Equal(http.StatusOK))
			Expect(removals()).To(HaveLen(1))
		})
	})

	It("acknowledges events it does not mirror", func() {
		k8sClient = newFakeClient(contact, group)

		resp := handle(&mailchimp.WebhookEvent{Type: mailchimp.EventTypeProfile, Email: "ada@example.com", ListID: listID})
		Expect(resp.HttpStatus).To(Equal(http.StatusOK))
		Expect(memberships()).To(BeEmpty())
		Expect(removals()).To(BeEmpty())
	})

	It("acknowledges members unknown to Milo", func() {
		k8sClient = newFakeClient(contact, group)

		resp := handle(&mailchimp.WebhookEvent{Type: mailchimp.EventTypeSubscribe, Email: "someone@else.com", ListID: listID})
		Expect(resp.HttpStatus).To(Equal(http.StatusOK))
		Expect(memberships()).To(BeEmpty())
	})

	It("acknowledges lists without a contact group", func() {
		k8sClient = newFakeClient(contact, group)

		resp := handle(&mailchimp.WebhookEvent{Type: mailchimp.EventTypeSubscribe, Email: "ada@example.com", ListID: "other"})
		Expect(resp.HttpStatus).To(Equal(http.StatusOK))
		Expect(memberships()).To(BeEmpty())
	})

	It("rejects events without an email or list", func() {
		k8sClient = newFakeClient(contact, group)

		Expect(handle(&mailchimp.WebhookEvent{Type: mailchimp.EventTypeSubscribe, ListID: listID}).HttpStatus).To(Equal(http.StatusBadRequest))
		Expect(handle(&mailchimp.WebhookEvent{Type: mailchimp.EventTypeSubscribe, Email: "ada@example.com"}).HttpStatus).To(Equal(http.StatusBadRequest))
		Expect(handle(nil).HttpStatus).To(Equal(http.StatusBadRequest))
	})
})

package controller

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	notificationmiloapiscomv1alpha1 "go.miloapis.com/milo/pkg/apis/notification/v1alpha1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"go.miloapis.com/email-provider-mailchimp/pkg/mailchimp"
)

var _ = Describe("MailchimpContactGroupMembershipController", func() {
	var (
		ctx        context.Context
		api        *fakeMailchimp
		k8sClient  client.Client
		reconciler *MailchimpContactGroupMembershipController
		contact    *notificationmiloapiscomv1alpha1.Contact
		group      *notificationmiloapiscomv1alpha1.ContactGroup
	)

	newMembership := func() *notificationmiloapiscomv1alpha1.ContactGroupMembership {
		return &notificationmiloapiscomv1alpha1.ContactGroupMembership{
			ObjectMeta: metav1.ObjectMeta{
				Name:       "ada-newsletter",
				Namespace:  "default",
				Finalizers: []string{mailchimpContactGroupMembershipFinalizerKey},
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
	}

	setup := func(objs ...client.Object) {
		k8sClient = newFakeClient(objs...)
		reconciler = &MailchimpContactGroupMembershipController{
			Client:    k8sClient,
			Mailchimp: api,
		}
		Expect(reconciler.RegisterFinalizers()).To(Succeed())
	}

	fetch := func(obj client.Object) *notificationmiloapiscomv1alpha1.ContactGroupMembership {
		cgm := &notificationmiloapiscomv1alpha1.ContactGroupMembership{}
		Expect(k8sClient.Get(ctx, client.ObjectKeyFromObject(obj), cgm)).To(Succeed())
		return cgm
	}

	BeforeEach(func() {
		ctx = context.Background()
		api = newFakeMailchimp()
		api.responses["lists/subscribe"] = `{"email": "ada@example.com", "euid": "euid-7", "leid": "leid-7"}`
		contact = &notificationmiloapiscomv1alpha1.Contact{
			ObjectMeta: metav1.ObjectMeta{Name: "ada", Namespace: "default"},
			Spec: notificationmiloapiscomv1alpha1.ContactSpec{
				Email:      "ada@example.com",
				GivenName:  "Ada",
				FamilyName: "Lovelace",
			},
		}
		group = newContactGroup("newsletter", "default", "list-42")
	})

	It("subscribes the contact to the group's list", func() {
		cgm := newMembership()
		setup(contact, group, cgm)

		_, err := reconciler.Reconcile(ctx, requestFor(cgm))
		Expect(err).NotTo(HaveOccurred())

		calls := api.callsTo("lists/subscribe")
		Expect(calls).To(HaveLen(1))
		Expect(calls[0].payload["id"]).To(Equal("list-42"))
		Expect(calls[0].payload["email"]).To(Equal(map[string]string{"email": "ada@example.com"}))
		Expect(calls[0].payload["replace_interests"]).To(BeFalse())

		updated := fetch(cgm)
		cond := meta.FindStatusCondition(updated.Status.Conditions, MailchimpContactGroupMembershipReadyCondition)
		Expect(cond).NotTo(BeNil())
		Expect(cond.Status).To(Equal(metav1.ConditionTrue))
		Expect(updated.Status.Providers).To(ConsistOf(notificationmiloapiscomv1alpha1.ContactProviderStatus{
			Name: mailchimp.ProviderName,
			ID:   "euid-7",
		}))
	})

	It("treats an existing subscription as success", func() {
		cgm := newMembership()
		api.responses["lists/subscribe"] = apiErrorBody(mailchimp.ErrNameListAlreadySubscribed, 214)
		setup(contact, group, cgm)

		_, err := reconciler.Reconcile(ctx, requestFor(cgm))
		Expect(err).NotTo(HaveOccurred())

		cond := meta.FindStatusCondition(fetch(cgm).Status.Conditions, MailchimpContactGroupMembershipReadyCondition)
		Expect(cond.Reason).To(Equal(MailchimpContactGroupMembershipCreatedReason))
	})

	It("reports a group without a Mailchimp list", func() {
		cgm := newMembership()
		group = newContactGroup("newsletter", "default", "")
		setup(contact, group, cgm)

		_, err := reconciler.Reconcile(ctx, requestFor(cgm))
		Expect(err).To(MatchError(ContainSubstring("mailchimp list ID not found")))
		Expect(api.callCount()).To(BeZero())

		cond := meta.FindStatusCondition(fetch(cgm).Status.Conditions, MailchimpContactGroupMembershipReadyCondition)
		Expect(cond.Status).To(Equal(metav1.ConditionFalse))
		Expect(cond.Reason).To(Equal(MailchimpContactGroupMembershipNotCreatedReason))
	})

	It("fails when the contact does not exist", func() {
		cgm := newMembership()
		setup(group, cgm)

		_, err := reconciler.Reconcile(ctx, requestFor(cgm))
		Expect(err).To(MatchError(ContainSubstring("failed to get Contact")))
	})

	It("unsubscribes from the group's list on deletion", func() {
		cgm := newMembership()
		setup(contact, group, cgm)
		Expect(k8sClient.Delete(ctx, cgm)).To(Succeed())

		_, err := reconciler.Reconcile(ctx, requestFor(cgm))
		Expect(err).NotTo(HaveOccurred())

		calls := api.callsTo("lists/unsubscribe")
		Expect(calls).To(HaveLen(1))
		Expect(calls[0].payload["id"]).To(Equal("list-42"))
		Expect(calls[0].payload["delete_member"]).To(BeFalse())

		err = k8sClient.Get(ctx, client.ObjectKeyFromObject(cgm), &notificationmiloapiscomv1alpha1.ContactGroupMembership{})
		Expect(apierrors.IsNotFound(err)).To(BeTrue())
	})

	It("releases the membership when the contact is already gone", func() {
		cgm := newMembership()
		setup(group, cgm)
		Expect(k8sClient.Delete(ctx, cgm)).To(Succeed())

		_, err := reconciler.Reconcile(ctx, requestFor(cgm))
		Expect(err).NotTo(HaveOccurred())
		Expect(api.callCount()).To(BeZero())
	})

	It("records a failed unsubscription on the membership", func() {
		cgm := newMembership()
		api.responses["lists/unsubscribe"] = apiErrorBody(mailchimp.ErrNameInvalidAPIKey, 104)
		setup(contact, group, cgm)
		Expect(k8sClient.Delete(ctx, cgm)).To(Succeed())

		_, err := reconciler.Reconcile(ctx, requestFor(cgm))
		Expect(err).To(HaveOccurred())

		updated := fetch(cgm)
		Expect(updated.Finalizers).To(ContainElement(mailchimpContactGroupMembershipFinalizerKey))
		cond := meta.FindStatusCondition(updated.Status.Conditions, MailchimpContactGroupMembershipReadyCondition)
		Expect(cond.Reason).To(Equal(MailchimpContactGroupMembershipNotFinalizedReason))
	})
})

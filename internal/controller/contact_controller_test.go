package controller

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	notificationmiloapiscomv1alpha1 "go.miloapis.com/milo/pkg/apis/notification/v1alpha1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"go.miloapis.com/email-provider-mailchimp/pkg/mailchimp"
)

var _ = Describe("MailchimpContactController", func() {
	var (
		ctx        context.Context
		api        *fakeMailchimp
		k8sClient  client.Client
		reconciler *MailchimpContactController
	)

	newContact := func(name, email string) *notificationmiloapiscomv1alpha1.Contact {
		return &notificationmiloapiscomv1alpha1.Contact{
			ObjectMeta: metav1.ObjectMeta{
				Name:       name,
				Namespace:  "default",
				UID:        types.UID("uid-" + name),
				Generation: 1,
				Finalizers: []string{mailchimpContactFinalizerKey},
			},
			Spec: notificationmiloapiscomv1alpha1.ContactSpec{
				Email:      email,
				GivenName:  "Ada",
				FamilyName: "Lovelace",
			},
		}
	}

	setup := func(objs ...client.Object) {
		k8sClient = newFakeClient(objs...)
		reconciler = &MailchimpContactController{
			Client:                          k8sClient,
			Mailchimp:                       api,
			NewsLetterContactGroupName:      "newsletter",
			NewsLetterContactGroupNamespace: "milo-system",
		}
		Expect(reconciler.RegisterFinalizers()).To(Succeed())
	}

	fetch := func(obj client.Object) *notificationmiloapiscomv1alpha1.Contact {
		contact := &notificationmiloapiscomv1alpha1.Contact{}
		Expect(k8sClient.Get(ctx, client.ObjectKeyFromObject(obj), contact)).To(Succeed())
		return contact
	}

	BeforeEach(func() {
		ctx = context.Background()
		api = newFakeMailchimp()
		api.responses["lists/subscribe"] = `{"email": "ada@example.com", "euid": "euid-1", "leid": "leid-1"}`
	})

	It("adds the finalizer before talking to Mailchimp", func() {
		contact := newContact("ada", "ada@example.com")
		contact.Finalizers = nil
		setup(contact)

		_, err := reconciler.Reconcile(ctx, requestFor(contact))
		Expect(err).NotTo(HaveOccurred())

		Expect(fetch(contact).Finalizers).To(ContainElement(mailchimpContactFinalizerKey))
		Expect(api.callCount()).To(BeZero())
	})

	It("subscribes a new contact to the default list", func() {
		contact := newContact("ada", "ada@example.com")
		setup(contact)

		_, err := reconciler.Reconcile(ctx, requestFor(contact))
		Expect(err).NotTo(HaveOccurred())

		calls := api.callsTo("lists/subscribe")
		Expect(calls).To(HaveLen(1))
		payload := calls[0].payload
		Expect(payload["id"]).To(Equal(defaultListID))
		Expect(payload["email"]).To(Equal(map[string]string{"email": "ada@example.com"}))
		Expect(payload["merge_vars"]).To(Equal([]mailchimp.MergeVars{{"FNAME": "Ada", "LNAME": "Lovelace"}}))
		Expect(payload["double_optin"]).To(BeFalse())
		Expect(payload["update_existing"]).To(BeTrue())

		updated := fetch(contact)
		cond := meta.FindStatusCondition(updated.Status.Conditions, MailchimpContactReadyCondition)
		Expect(cond).NotTo(BeNil())
		Expect(cond.Status).To(Equal(metav1.ConditionTrue))
		Expect(cond.Reason).To(Equal(MailchimpContactCreatedReason))
		Expect(updated.Status.Providers).To(ConsistOf(notificationmiloapiscomv1alpha1.ContactProviderStatus{
			Name: mailchimp.ProviderName,
			ID:   "euid-1",
		}))
	})

	It("does not call Mailchimp again once the contact is ready", func() {
		contact := newContact("ada", "ada@example.com")
		setup(contact)

		_, err := reconciler.Reconcile(ctx, requestFor(contact))
		Expect(err).NotTo(HaveOccurred())
		_, err = reconciler.Reconcile(ctx, requestFor(contact))
		Expect(err).NotTo(HaveOccurred())

		Expect(api.callCount()).To(Equal(1))
	})

	It("updates a known member by euid when the generation changes", func() {
		contact := newContact("ada", "ada.new@example.com")
		contact.Generation = 2
		contact.Status.Providers = []notificationmiloapiscomv1alpha1.ContactProviderStatus{{Name: mailchimp.ProviderName, ID: "euid-1"}}
		contact.Status.Conditions = []metav1.Condition{{
			Type:               MailchimpContactReadyCondition,
			Status:             metav1.ConditionTrue,
			Reason:             MailchimpContactCreatedReason,
			ObservedGeneration: 1,
			LastTransitionTime: metav1.NewTime(time.Now().Add(-time.Hour)),
		}}
		api.responses["lists/update-member"] = `{"email": "ada.new@example.com", "euid": "euid-1", "leid": "leid-1"}`
		setup(contact)

		_, err := reconciler.Reconcile(ctx, requestFor(contact))
		Expect(err).NotTo(HaveOccurred())

		Expect(api.callsTo("lists/subscribe")).To(BeEmpty())
		calls := api.callsTo("lists/update-member")
		Expect(calls).To(HaveLen(1))
		Expect(calls[0].payload["email"]).To(Equal(map[string]string{"euid": "euid-1"}))
		Expect(calls[0].payload["merge_vars"]).To(Equal([]mailchimp.MergeVars{{
			"FNAME":     "Ada",
			"LNAME":     "Lovelace",
			"new-email": "ada.new@example.com",
		}}))

		cond := meta.FindStatusCondition(fetch(contact).Status.Conditions, MailchimpContactReadyCondition)
		Expect(cond.Reason).To(Equal(MailchimpContactUpdatedReason))
		Expect(cond.ObservedGeneration).To(Equal(int64(2)))
	})

	It("subscribes again when the recorded member is gone", func() {
		contact := newContact("ada", "ada@example.com")
		contact.Generation = 2
		contact.Status.Providers = []notificationmiloapiscomv1alpha1.ContactProviderStatus{{Name: mailchimp.ProviderName, ID: "stale"}}
		contact.Status.Conditions = []metav1.Condition{{
			Type:               MailchimpContactReadyCondition,
			Status:             metav1.ConditionTrue,
			Reason:             MailchimpContactCreatedReason,
			ObservedGeneration: 1,
			LastTransitionTime: metav1.NewTime(time.Now().Add(-time.Hour)),
		}}
		api.responses["lists/update-member"] = apiErrorBody(mailchimp.ErrNameEmailNotExists, 232)
		setup(contact)

		_, err := reconciler.Reconcile(ctx, requestFor(contact))
		Expect(err).NotTo(HaveOccurred())

		Expect(api.callsTo("lists/subscribe")).To(HaveLen(1))
		Expect(fetch(contact).Status.Providers[0].ID).To(Equal("euid-1"))
	})

	It("marks an invalid address without calling Mailchimp", func() {
		contact := newContact("ada", "not-an-address")
		setup(contact)

		_, err := reconciler.Reconcile(ctx, requestFor(contact))
		Expect(err).NotTo(HaveOccurred())
		Expect(api.callCount()).To(BeZero())

		cond := meta.FindStatusCondition(fetch(contact).Status.Conditions, MailchimpContactReadyCondition)
		Expect(cond).NotTo(BeNil())
		Expect(cond.Status).To(Equal(metav1.ConditionFalse))
		Expect(cond.Reason).To(Equal(MailchimpContactNotCreatedReason))
		Expect(cond.Message).To(ContainSubstring("not a valid address"))
	})

	It("records a Mailchimp rejection as a condition", func() {
		contact := newContact("ada", "ada@example.com")
		api.responses["lists/subscribe"] = apiErrorBody(mailchimp.ErrNameValidationError, -100)
		setup(contact)

		_, err := reconciler.Reconcile(ctx, requestFor(contact))
		Expect(err).NotTo(HaveOccurred())

		cond := meta.FindStatusCondition(fetch(contact).Status.Conditions, MailchimpContactReadyCondition)
		Expect(cond.Status).To(Equal(metav1.ConditionFalse))
		Expect(cond.Message).To(ContainSubstring("API error : [ ValidationError ] rejected by test , code = -100"))
	})

	It("retries when the API key is refused", func() {
		contact := newContact("ada", "ada@example.com")
		api.responses["lists/subscribe"] = apiErrorBody(mailchimp.ErrNameInvalidAPIKey, 104)
		setup(contact)

		_, err := reconciler.Reconcile(ctx, requestFor(contact))
		Expect(err).To(HaveOccurred())
		Expect(mailchimp.IsInvalidAPIKey(err)).To(BeTrue())
	})

	It("retries on transport failures", func() {
		contact := newContact("ada", "ada@example.com")
		api.err = errors.New("connection refused")
		setup(contact)

		_, err := reconciler.Reconcile(ctx, requestFor(contact))
		Expect(err).To(MatchError(ContainSubstring("connection refused")))
	})

	It("creates the newsletter membership for newsletter contacts", func() {
		contact := newContact("newsletter-ada", "ada@example.com")
		setup(contact)

		_, err := reconciler.Reconcile(ctx, requestFor(contact))
		Expect(err).NotTo(HaveOccurred())

		cgm := &notificationmiloapiscomv1alpha1.ContactGroupMembership{}
		Expect(k8sClient.Get(ctx, client.ObjectKey{
			Name:      reconciler.generateCgmName(contact),
			Namespace: "default",
		}, cgm)).To(Succeed())
		Expect(cgm.Spec.ContactRef.Name).To(Equal("newsletter-ada"))
		Expect(cgm.Spec.ContactGroupRef.Name).To(Equal("newsletter"))
		Expect(cgm.Spec.ContactGroupRef.Namespace).To(Equal("milo-system"))

		cond := meta.FindStatusCondition(fetch(contact).Status.Conditions, NewsLetterAddedCondition)
		Expect(cond.Status).To(Equal(metav1.ConditionTrue))
	})

	It("deletes the member when the contact is deleted", func() {
		contact := newContact("ada", "ada@example.com")
		contact.Status.Providers = []notificationmiloapiscomv1alpha1.ContactProviderStatus{{Name: mailchimp.ProviderName, ID: "euid-1"}}
		setup(contact)
		Expect(k8sClient.Delete(ctx, contact)).To(Succeed())

		_, err := reconciler.Reconcile(ctx, requestFor(contact))
		Expect(err).NotTo(HaveOccurred())

		calls := api.callsTo("lists/unsubscribe")
		Expect(calls).To(HaveLen(1))
		Expect(calls[0].payload["id"]).To(Equal(defaultListID))
		Expect(calls[0].payload["email"]).To(Equal(map[string]string{"euid": "euid-1"}))
		Expect(calls[0].payload["delete_member"]).To(BeTrue())
		Expect(calls[0].payload["send_goodbye"]).To(BeFalse())

		err = k8sClient.Get(ctx, client.ObjectKeyFromObject(contact), &notificationmiloapiscomv1alpha1.Contact{})
		Expect(apierrors.IsNotFound(err)).To(BeTrue())
	})

	It("completes deletion when Mailchimp no longer knows the member", func() {
		contact := newContact("ada", "ada@example.com")
		api.responses["lists/unsubscribe"] = apiErrorBody(mailchimp.ErrNameListNotSubscribed, 215)
		setup(contact)
		Expect(k8sClient.Delete(ctx, contact)).To(Succeed())

		_, err := reconciler.Reconcile(ctx, requestFor(contact))
		Expect(err).NotTo(HaveOccurred())

		Expect(api.callsTo("lists/unsubscribe")[0].payload["email"]).To(Equal(map[string]string{"email": "ada@example.com"}))
		err = k8sClient.Get(ctx, client.ObjectKeyFromObject(contact), &notificationmiloapiscomv1alpha1.Contact{})
		Expect(apierrors.IsNotFound(err)).To(BeTrue())
	})

	It("keeps the finalizer when unsubscribing fails", func() {
		contact := newContact("ada", "ada@example.com")
		api.err = errors.New("timeout")
		setup(contact)
		Expect(k8sClient.Delete(ctx, contact)).To(Succeed())

		_, err := reconciler.Reconcile(ctx, requestFor(contact))
		Expect(err).To(HaveOccurred())
		Expect(fetch(contact).Finalizers).To(ContainElement(mailchimpContactFinalizerKey))
	})
})

package util

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	notificationmiloapiscomv1alpha1 "go.miloapis.com/milo/pkg/apis/notification/v1alpha1"
	"k8s.io/apimachinery/pkg/api/equality"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// StatusPatch describes a status update of a notification resource.
type StatusPatch struct {
	Client     client.Client
	Logger     logr.Logger
	Object     client.Object
	Original   client.Object
	OldStatus  any
	NewStatus  any
	FieldOwner string
}

// PatchStatusIfChanged merge-patches the status subresource of Object when
// NewStatus differs from OldStatus.
func PatchStatusIfChanged(ctx context.Context, p StatusPatch) error {
	if equality.Semantic.DeepEqual(p.OldStatus, p.NewStatus) {
		p.Logger.V(1).Info("Status unchanged, skipping patch", "fieldOwner", p.FieldOwner)
		return nil
	}

	if err := p.Client.Status().Patch(ctx, p.Object, client.MergeFrom(p.Original), client.FieldOwner(p.FieldOwner)); err != nil {
		p.Logger.Error(err, "Failed to patch status", "fieldOwner", p.FieldOwner)
		return fmt.Errorf("failed to patch status of %s: %w", client.ObjectKeyFromObject(p.Object), err)
	}
	return nil
}

// ProviderID returns the id the named email provider recorded, or "".
func ProviderID(providers []notificationmiloapiscomv1alpha1.ContactProviderStatus, name string) string {
	for _, provider := range providers {
		if provider.Name == name {
			return provider.ID
		}
	}
	return ""
}

// WithProviderID returns providers with the entry of the named provider set
// to id. Entries of other providers are kept. An empty id changes nothing.
func WithProviderID(providers []notificationmiloapiscomv1alpha1.ContactProviderStatus, name, id string) []notificationmiloapiscomv1alpha1.ContactProviderStatus {
	if id == "" {
		return providers
	}

	out := make([]notificationmiloapiscomv1alpha1.ContactProviderStatus, 0, len(providers)+1)
	replaced := false
	for _, provider := range providers {
		if provider.Name == name {
			provider.ID = id
			replaced = true
		}
		out = append(out, provider)
	}
	if !replaced {
		out = append(out, notificationmiloapiscomv1alpha1.ContactProviderStatus{Name: name, ID: id})
	}
	return out
}

package mailchimp

import (
	"context"
	"slices"

	"github.com/tidwall/gjson"
)

// Email identifier selectors accepted by member operations.
const (
	IdentifierEmail = "email"
	IdentifierEUID  = "euid"
	IdentifierLEID  = "leid"
)

const defaultEmailType = "html"

// MergeVars is one set of merge tag values, e.g. {"FNAME": "Ada"}. Lists
// sends the accumulated sets as a JSON array in "merge_vars".
type MergeVars map[string]any

// SubscribeOptions controls lists/subscribe and lists/batch-subscribe.
type SubscribeOptions struct {
	EmailType        string
	DoubleOptin      bool
	UpdateExisting   bool
	ReplaceInterests bool
	SendWelcome      bool
}

// DefaultSubscribeOptions returns html mail, double opt-in, update of an
// existing member, interest replacement and no welcome mail.
func DefaultSubscribeOptions() SubscribeOptions {
	return SubscribeOptions{
		EmailType:        defaultEmailType,
		DoubleOptin:      true,
		UpdateExisting:   true,
		ReplaceInterests: true,
		SendWelcome:      false,
	}
}

// UnsubscribeOptions controls lists/unsubscribe.
type UnsubscribeOptions struct {
	DeleteMember bool
	SendGoodbye  bool
	SendNotify   bool
}

// DefaultUnsubscribeOptions keeps the member record and sends both the
// goodbye and the notification mail.
func DefaultUnsubscribeOptions() UnsubscribeOptions {
	return UnsubscribeOptions{
		DeleteMember: false,
		SendGoodbye:  true,
		SendNotify:   true,
	}
}

// UpdateMemberOptions controls lists/update-member.
type UpdateMemberOptions struct {
	EmailType        string
	ReplaceInterests bool
}

// DefaultUpdateMemberOptions returns html mail with interest replacement.
func DefaultUpdateMemberOptions() UpdateMemberOptions {
	return UpdateMemberOptions{
		EmailType:        defaultEmailType,
		ReplaceInterests: true,
	}
}

// BatchMember is one entry of a lists/batch-subscribe call.
type BatchMember struct {
	EmailID    string
	Identifier string
	EmailType  string
	MergeVars  MergeVars
}

// Lists is the client for the lists/* API calls.
//
// The list id, grouping id, group name and merge vars are read when an
// operation runs. A Lists value must not be shared between goroutines.
type Lists struct {
	transport  Requester
	listID     string
	groupingID *int
	groupName  string
	mergeVars  []MergeVars
}

// NewLists creates a Lists client targeting listID.
func NewLists(transport Requester, listID string) *Lists {
	return &Lists{
		transport: transport,
		listID:    listID,
		mergeVars: []MergeVars{},
	}
}

// ListID returns the list subsequent calls target.
func (l *Lists) ListID() string {
	return l.listID
}

// SetListID points subsequent calls at another list.
func (l *Lists) SetListID(listID string) *Lists {
	l.listID = listID
	return l
}

// SetGroupingID sets the grouping used when an operation is called without
// an explicit grouping id.
func (l *Lists) SetGroupingID(groupingID int) *Lists {
	l.groupingID = &groupingID
	return l
}

// SetGroupName sets the interest group name used when AddInterestGroup or
// DeleteInterestGroup is called with an empty name.
func (l *Lists) SetGroupName(name string) *Lists {
	l.groupName = name
	return l
}

// AddMergeVars appends vars to the merge vars sent by Subscribe and UpdateMember.
func (l *Lists) AddMergeVars(vars MergeVars) *Lists {
	l.mergeVars = append(l.mergeVars, vars)
	return l
}

// SetMergeVars replaces the merge vars sent by Subscribe and UpdateMember.
func (l *Lists) SetMergeVars(vars []MergeVars) *Lists {
	l.mergeVars = slices.Clone(vars)
	return l
}

// AbuseReports returns the abuse complaints filed against the list.
//
// API: lists/abuse-reports
func (l *Lists) AbuseReports(ctx context.Context, start, limit int, since string) (gjson.Result, error) {
	return call(ctx, l.transport, "lists/abuse-reports", map[string]any{
		"id":    l.listID,
		"start": start,
		"limit": limit,
		"since": nullIfEmpty(since),
	})
}

// Activity returns the daily activity of the list.
//
// API: lists/activity
func (l *Lists) Activity(ctx context.Context) (gjson.Result, error) {
	return call(ctx, l.transport, "lists/activity", map[string]any{
		"id": l.listID,
	})
}

// BatchSubscribe subscribes or updates many members in one call. Only the
// double opt-in, update existing and replace interests fields of opts apply.
//
// API: lists/batch-subscribe
func (l *Lists) BatchSubscribe(ctx context.Context, batch []BatchMember, opts SubscribeOptions) (gjson.Result, error) {
	entries := make([]map[string]any, 0, len(batch))
	for _, m := range batch {
		if err := validateIdentifier(m.Identifier); err != nil {
			return gjson.Result{}, err
		}
		entry := map[string]any{
			"email":      map[string]string{m.Identifier: m.EmailID},
			"email_type": emailTypeOrDefault(m.EmailType),
		}
		if m.MergeVars != nil {
			entry["merge_vars"] = m.MergeVars
		}
		entries = append(entries, entry)
	}

	return call(ctx, l.transport, "lists/batch-subscribe", map[string]any{
		"id":                l.listID,
		"batch":             entries,
		"double_optin":      opts.DoubleOptin,
		"update_existing":   opts.UpdateExisting,
		"replace_interests": opts.ReplaceInterests,
	})
}

// Subscribe adds a member to the list with the accumulated merge vars. The
// result carries the member's email, euid and leid.
//
// API: lists/subscribe
func (l *Lists) Subscribe(ctx context.Context, emailID, identifier string, opts SubscribeOptions) (gjson.Result, error) {
	if err := validateIdentifier(identifier); err != nil {
		return gjson.Result{}, err
	}

	return call(ctx, l.transport, "lists/subscribe", map[string]any{
		"id":                l.listID,
		"email":             map[string]string{identifier: emailID},
		"merge_vars":        l.mergeVarsPayload(),
		"email_type":        emailTypeOrDefault(opts.EmailType),
		"double_optin":      opts.DoubleOptin,
		"update_existing":   opts.UpdateExisting,
		"replace_interests": opts.ReplaceInterests,
		"send_welcome":      opts.SendWelcome,
	})
}

// Unsubscribe removes a member from the list.
//
// API: lists/unsubscribe
func (l *Lists) Unsubscribe(ctx context.Context, emailID, identifier string, opts UnsubscribeOptions) (bool, error) {
	if err := validateIdentifier(identifier); err != nil {
		return false, err
	}

	return callAction(ctx, l.transport, "lists/unsubscribe", map[string]any{
		"id":            l.listID,
		"email":         map[string]string{identifier: emailID},
		"delete_member": opts.DeleteMember,
		"send_goodbye":  opts.SendGoodbye,
		"send_notify":   opts.SendNotify,
	})
}

// MemberInfo returns the list records of one or more members.
//
// API: lists/member-info
func (l *Lists) MemberInfo(ctx context.Context, identifier string, emailIDs ...string) (gjson.Result, error) {
	if err := validateIdentifier(identifier); err != nil {
		return gjson.Result{}, err
	}

	emails := make([]map[string]string, 0, len(emailIDs))
	for _, id := range emailIDs {
		emails = append(emails, map[string]string{identifier: id})
	}

	return call(ctx, l.transport, "lists/member-info", map[string]any{
		"id":     l.listID,
		"emails": emails,
	})
}

// UpdateMember updates a member with the accumulated merge vars.
//
// API: lists/update-member
func (l *Lists) UpdateMember(ctx context.Context, emailID, identifier string, opts UpdateMemberOptions) (gjson.Result, error) {
	if err := validateIdentifier(identifier); err != nil {
		return gjson.Result{}, err
	}

	return call(ctx, l.transport, "lists/update-member", map[string]any{
		"id":                l.listID,
		"email":             map[string]string{identifier: emailID},
		"merge_vars":        l.mergeVarsPayload(),
		"email_type":        emailTypeOrDefault(opts.EmailType),
		"replace_interests": opts.ReplaceInterests,
	})
}

// InterestGroupings returns the interest groupings of the list, with
// subscriber counts when counts is set.
//
// API: lists/interest-groupings
func (l *Lists) InterestGroupings(ctx context.Context, counts bool) (gjson.Result, error) {
	return call(ctx, l.transport, "lists/interest-groupings", map[string]any{
		"id":     l.listID,
		"counts": counts,
	})
}

// AddInterestGrouping creates an interest grouping with its initial groups.
//
// API: lists/interest-grouping-add
func (l *Lists) AddInterestGrouping(ctx context.Context, name, groupingType string, groups []string) (bool, error) {
	if groups == nil {
		groups = []string{}
	}
	return callAction(ctx, l.transport, "lists/interest-grouping-add", map[string]any{
		"id":     l.listID,
		"name":   name,
		"type":   groupingType,
		"groups": groups,
	})
}

// DeleteInterestGrouping deletes a grouping. A nil groupingID falls back to
// the id set with SetGroupingID.
//
// API: lists/interest-grouping-del
func (l *Lists) DeleteInterestGrouping(ctx context.Context, groupingID *int) (bool, error) {
	return callAction(ctx, l.transport, "lists/interest-grouping-del", map[string]any{
		"grouping_id": l.groupingIDOrDefault(groupingID),
	})
}

// UpdateInterestGrouping changes one field (name is the field, value the new
// content) of a grouping. A nil groupingID falls back to the id set with
// SetGroupingID.
//
// API: lists/interest-grouping-update
func (l *Lists) UpdateInterestGrouping(ctx context.Context, name, value string, groupingID *int) (bool, error) {
	return callAction(ctx, l.transport, "lists/interest-grouping-update", map[string]any{
		"grouping_id": l.groupingIDOrDefault(groupingID),
		"name":        name,
		"value":       value,
	})
}

// AddInterestGroup adds a group to a grouping.
//
// API: lists/interest-group-add
func (l *Lists) AddInterestGroup(ctx context.Context, name string, groupingID *int) (bool, error) {
	return callAction(ctx, l.transport, "lists/interest-group-add", map[string]any{
		"id":          l.listID,
		"group_name":  l.groupNameOrDefault(name),
		"grouping_id": l.groupingIDOrDefault(groupingID),
	})
}

// UpdateInterestGroup renames a group.
//
// API: lists/interest-group-update
func (l *Lists) UpdateInterestGroup(ctx context.Context, oldName, newName string, groupingID *int) (bool, error) {
	return callAction(ctx, l.transport, "lists/interest-group-update", map[string]any{
		"id":          l.listID,
		"old_name":    oldName,
		"new_name":    newName,
		"grouping_id": l.groupingIDOrDefault(groupingID),
	})
}

// DeleteInterestGroup removes a group from a grouping.
//
// API: lists/interest-group-del
func (l *Lists) DeleteInterestGroup(ctx context.Context, name string, groupingID *int) (bool, error) {
	return callAction(ctx, l.transport, "lists/interest-group-del", map[string]any{
		"id":          l.listID,
		"group_name":  l.groupNameOrDefault(name),
		"grouping_id": l.groupingIDOrDefault(groupingID),
	})
}

// groupingIDOrDefault returns the explicit id, else the instance default,
// else nil (sent as JSON null).
func (l *Lists) groupingIDOrDefault(groupingID *int) any {
	if groupingID != nil {
		return *groupingID
	}
	if l.groupingID != nil {
		return *l.groupingID
	}
	return nil
}

func (l *Lists) groupNameOrDefault(name string) string {
	if name == "" {
		return l.groupName
	}
	return name
}

func (l *Lists) mergeVarsPayload() []MergeVars {
	if l.mergeVars == nil {
		return []MergeVars{}
	}
	return l.mergeVars
}

func validateIdentifier(identifier string) error {
	switch identifier {
	case IdentifierEmail, IdentifierEUID, IdentifierLEID:
		return nil
	default:
		return &InvalidArgumentError{
			Argument: "email_identifier",
			Value:    identifier,
			Err:      ErrInvalidEmailIdentifier,
		}
	}
}

func emailTypeOrDefault(emailType string) string {
	if emailType == "" {
		return defaultEmailType
	}
	return emailType
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

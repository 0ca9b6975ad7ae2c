package runner

import (
	"fmt"
	"strings"

	"github.com/dhcgn/mbox-export/model"
	"github.com/dhcgn/mbox-export/source"
)

// InlinePolicy decides whether an attachment is embedded content (signature
// logos, pasted images) rather than a real attachment.
type InlinePolicy func(source.InlineSignal) bool

const (
	InlineContentID   = "content-id"
	InlineDisposition = "disposition"
	InlineRelated     = "related"
	InlineNone        = "none"
)

var inlinePolicies = map[string]InlinePolicy{
	InlineContentID:   ContentIDPolicy,
	InlineDisposition: DispositionPolicy,
	InlineRelated:     RelatedPolicy,
	InlineNone:        NoInlinePolicy,
}

// InlinePolicies lists the selectable policy names, default first.
func InlinePolicies() []string {
	return []string{InlineContentID, InlineDisposition, InlineRelated, InlineNone}
}

// ParseInlinePolicy resolves a policy by name. Empty selects content-id.
func ParseInlinePolicy(name string) (InlinePolicy, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ContentIDPolicy, nil
	}
	p, ok := inlinePolicies[name]
	if !ok {
		return nil, &model.ConfigError{
			Field: "inline-heuristic",
			Err:   fmt.Errorf("unknown policy %q (want one of %s)", name, strings.Join(InlinePolicies(), ", ")),
		}
	}
	return p, nil
}

// ContentIDPolicy treats parts referenced by Content-ID as inline unless they
// are explicitly marked as attachments.
func ContentIDPolicy(sig source.InlineSignal) bool {
	return sig.ContentID != "" && sig.Disposition != source.DispositionAttachment
}

func DispositionPolicy(sig source.InlineSignal) bool {
	return sig.Disposition == source.DispositionInline
}

// RelatedPolicy matches images that belong to an HTML body.
func RelatedPolicy(sig source.InlineSignal) bool {
	return sig.Related && strings.HasPrefix(sig.ContentType, "image/")
}

func NoInlinePolicy(source.InlineSignal) bool { return false }

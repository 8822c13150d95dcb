// Package classify decides what role a remote participant plays in the
// session. Classification is a pure function over the participant's identity
// and attributes, computed once when the participant joins.
package classify

import "strings"

// Kind is the participant role.
type Kind int

const (
	// KindRegular is any ordinary peer (including the local user).
	KindRegular Kind = iota

	// KindMainAgent is the primary conversational agent.
	KindMainAgent

	// KindAvatarWorker publishes synchronized video on behalf of the main
	// agent.
	KindAvatarWorker
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindMainAgent:
		return "main_agent"
	case KindAvatarWorker:
		return "avatar_worker"
	default:
		return "regular"
	}
}

// Attribute names used by the classification heuristics.
const (
	// AttrPublishOnBehalf is set by avatar workers to the identity of the
	// agent they publish for.
	AttrPublishOnBehalf = "lk.publish_on_behalf"

	// AttrAvatarProvider optionally names the avatar vendor.
	AttrAvatarProvider = "avatar.provider"
)

// avatarIdentities maps reserved worker identities to their provider names.
var avatarIdentities = map[string]string{
	"tavus-avatar-agent":    "tavus",
	"bey-avatar-agent":      "bey",
	"bithuman-avatar-agent": "bithuman",
	"hedra-avatar-agent":    "hedra",
	"simli-avatar-agent":    "simli",
}

// Input is the participant snapshot handed to Classify.
type Input struct {
	Identity string

	// IsAgent reports whether the media server flagged the participant as
	// an agent (as opposed to a standard peer).
	IsAgent bool

	Attributes map[string]string
}

// Result is the classification verdict.
type Result struct {
	Kind Kind

	// Provider is the avatar vendor name, set only for KindAvatarWorker.
	Provider string
}

// Classify applies the role heuristics in order, first match wins:
//
//  1. identity matches a reserved avatar-worker name
//  2. a non-empty publish-on-behalf attribute marks a delegate publisher
//  3. any other agent participant is the main agent
//  4. everyone else is a regular peer
//
// The function is deterministic and side-effect free.
func Classify(in Input) Result {
	if provider, ok := avatarIdentities[strings.ToLower(in.Identity)]; ok {
		return Result{Kind: KindAvatarWorker, Provider: provider}
	}

	if behalf := in.Attributes[AttrPublishOnBehalf]; behalf != "" {
		provider := in.Attributes[AttrAvatarProvider]
		if provider == "" {
			provider = "unknown"
		}
		return Result{Kind: KindAvatarWorker, Provider: provider}
	}

	if in.IsAgent {
		return Result{Kind: KindMainAgent}
	}

	return Result{Kind: KindRegular}
}

package ratelimit

import "golang.org/x/time/rate"

// Tier is Slack's published rate-limit category for a Web API method.
type Tier int

const (
	// TierChat is the special per-workspace budget for chat posting
	// methods, roughly one message per second with a small burst.
	TierChat Tier = iota
	Tier1
	Tier2
	Tier3
	Tier4
)

func (t Tier) String() string {
	switch t {
	case TierChat:
		return "chat"
	case Tier1:
		return "tier1"
	case Tier2:
		return "tier2"
	case Tier3:
		return "tier3"
	case Tier4:
		return "tier4"
	}
	return "unknown"
}

// tierBudget holds the steady-state refill and burst capacity for a tier.
// Rates follow Slack's documented per-minute budgets.
type tierBudget struct {
	refill   rate.Limit
	capacity int
}

var tierBudgets = map[Tier]tierBudget{
	Tier1:    {refill: rate.Limit(1.0 / 60.0), capacity: 1},
	Tier2:    {refill: rate.Limit(20.0 / 60.0), capacity: 20},
	Tier3:    {refill: rate.Limit(50.0 / 60.0), capacity: 50},
	Tier4:    {refill: rate.Limit(100.0 / 60.0), capacity: 100},
	TierChat: {refill: rate.Limit(1), capacity: 5},
}

// methodTiers preloads the documented Slack Web API methods. Unlisted
// methods default to Tier3, the most common category.
var methodTiers = map[string]Tier{
	// Special chat budget.
	"chat.postMessage":     TierChat,
	"chat.postEphemeral":   TierChat,
	"chat.update":          TierChat,
	"chat.delete":          TierChat,
	"chat.meMessage":       TierChat,
	"chat.scheduleMessage": TierChat,

	// Tier 1.
	"admin.analytics.getFile": Tier1,
	"migration.exchange":      Tier1,

	// Tier 2.
	"conversations.list":      Tier2,
	"conversations.members":   Tier2,
	"users.list":              Tier2,
	"files.list":              Tier2,
	"reactions.list":          Tier2,
	"reminders.list":          Tier2,
	"search.messages":         Tier2,
	"stars.list":              Tier2,
	"team.accessLogs":         Tier2,
	"usergroups.list":         Tier2,
	"apps.connections.open":   Tier2,

	// Tier 3.
	"conversations.history":         Tier3,
	"conversations.replies":         Tier3,
	"conversations.info":            Tier3,
	"conversations.open":            Tier3,
	"conversations.join":            Tier3,
	"conversations.invite":          Tier3,
	"users.conversations":           Tier3,
	"users.info":                    Tier3,
	"users.lookupByEmail":           Tier3,
	"chat.getPermalink":             Tier3,
	"chat.scheduledMessages.list":   Tier3,
	"chat.unfurl":                   Tier3,
	"files.upload":                  Tier3,
	"files.info":                    Tier3,
	"pins.add":                      Tier3,
	"pins.remove":                   Tier3,
	"reactions.add":                 Tier3,
	"reactions.remove":              Tier3,
	"usergroups.users.list":         Tier3,
	"views.open":                    Tier3,
	"views.publish":                 Tier3,
	"views.push":                    Tier3,
	"views.update":                  Tier3,

	// Tier 4.
	"api.test":           Tier4,
	"auth.test":          Tier4,
	"bots.info":          Tier4,
	"dnd.info":           Tier4,
	"emoji.list":         Tier4,
	"team.info":          Tier4,
	"users.getPresence":  Tier4,
	"users.identity":     Tier4,
	"conversations.mark": Tier4,
	"pins.list":          Tier4,
}

// TierOf classifies a method into its rate-limit tier.
func TierOf(method string) Tier {
	if t, ok := methodTiers[method]; ok {
		return t
	}
	return Tier3
}

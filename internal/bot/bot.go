package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PenguCCN/Jellycord/internal/discord"
	"github.com/PenguCCN/Jellycord/internal/models"
	"github.com/PenguCCN/Jellycord/internal/reconcile"
	"github.com/PenguCCN/Jellycord/internal/security"
)

// Messenger is the slice of the Discord REST client the bot sends through.
type Messenger interface {
	SendMessage(ctx context.Context, channelID, content string) error
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	CreateDM(ctx context.Context, userID string) (string, error)
	GetUser(ctx context.Context, userID string) (*discord.User, error)
}

// Roles answers membership questions for command authorization.
type Roles interface {
	HasEntitlement(ctx context.Context, discordID string) bool
	HasAdmin(ctx context.Context, discordID string) bool
}

// MediaServer is the Jellyfin surface the commands drive.
type MediaServer interface {
	CreateUser(ctx context.Context, username, password string) bool
	DeleteUser(ctx context.Context, username string) bool
	ResetPassword(ctx context.Context, username, newPassword string) bool
	FindUserID(ctx context.Context, username string) (string, bool)
	ApplyDefaultPolicy(ctx context.Context, userID string) bool
	RefreshLibraries(ctx context.Context) bool
	ServerURL() string
}

// RequestManager is the optional Jellyseerr surface.
type RequestManager interface {
	ImportUser(ctx context.Context, jellyfinUserID string) (string, bool)
	DeleteUser(ctx context.Context, seerrID string) bool
}

// InviteManager is the optional Wizarr surface.
type InviteManager interface {
	CreateInvite(ctx context.Context, validFor time.Duration) (string, bool)
}

// Store is the subset of the account store the command handlers touch.
type Store interface {
	PutAccount(ctx context.Context, a models.Account) error
	FindByDiscordID(ctx context.Context, discordID string) (*models.Account, error)
	FindByUsername(ctx context.Context, username string) (*models.Account, error)
	RemoveAccount(ctx context.Context, discordID string) error
	PutTrial(ctx context.Context, t models.TrialAccount) error
	FindTrial(ctx context.Context, discordID string) (*models.TrialAccount, error)
	LastCleanup(ctx context.Context) (time.Time, error)
	SetMetadata(ctx context.Context, key, value string) error
}

// Runner triggers a reconciliation pass on demand.
type Runner interface {
	RunPass(ctx context.Context) (*reconcile.Summary, error)
}

// Bot routes MESSAGE_CREATE events through a prefix parser to command
// handlers. Self-service commands only work in DMs and are rate limited
// per Discord user; admin commands require an admin role.
type Bot struct {
	log      *slog.Logger
	rest     Messenger
	roles    Roles
	store    Store
	media    MediaServer
	requests RequestManager // nil when the integration is off
	invites  InviteManager  // nil when the integration is off
	engine   Runner
	limiter  *security.LimiterStore
	prefix   *Prefix

	trialDuration time.Duration
	cleanupPeriod time.Duration

	// selfID reports the gateway's own user id for mention detection
	selfID func() string
}

type Options struct {
	Log           *slog.Logger
	Rest          Messenger
	Roles         Roles
	Store         Store
	Media         MediaServer
	Requests      RequestManager
	Invites       InviteManager
	Engine        Runner
	Limiter       *security.LimiterStore
	Prefix        *Prefix
	TrialDuration time.Duration
	CleanupPeriod time.Duration
	SelfID        func() string
}

func New(opts Options) *Bot {
	b := &Bot{
		log:           opts.Log,
		rest:          opts.Rest,
		roles:         opts.Roles,
		store:         opts.Store,
		media:         opts.Media,
		requests:      opts.Requests,
		invites:       opts.Invites,
		engine:        opts.Engine,
		limiter:       opts.Limiter,
		prefix:        opts.Prefix,
		trialDuration: opts.TrialDuration,
		cleanupPeriod: opts.CleanupPeriod,
		selfID:        opts.SelfID,
	}
	if b.prefix == nil {
		b.prefix = NewPrefix("!")
	}
	if b.selfID == nil {
		b.selfID = func() string { return "" }
	}
	return b
}

// HandleMessage is the gateway dispatch target.
func (b *Bot) HandleMessage(ctx context.Context, msg discord.Message) {
	content := strings.TrimSpace(msg.Content)
	prefix := b.prefix.Get()

	if !strings.HasPrefix(content, prefix) {
		if b.mentionsSelf(msg) {
			b.replyInstructions(ctx, msg)
		}
		return
	}

	fields := strings.Fields(content[len(prefix):])
	if len(fields) == 0 {
		return
	}
	command := strings.ToLower(fields[0])
	args := fields[1:]

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	switch command {
	case "createaccount":
		b.createAccount(ctx, msg, args)
	case "recoveraccount":
		b.recoverAccount(ctx, msg, args)
	case "deleteaccount":
		b.deleteAccount(ctx, msg, args)
	case "trial":
		b.trialAccount(ctx, msg, args)
	case "cleanup":
		b.cleanup(ctx, msg)
	case "lastcleanup":
		b.lastCleanup(ctx, msg)
	case "searchaccount":
		b.searchAccount(ctx, msg, args)
	case "searchdiscord":
		b.searchDiscord(ctx, msg, args)
	case "scanlibraries":
		b.scanLibraries(ctx, msg)
	case "link":
		b.link(ctx, msg, args)
	case "unlink":
		b.unlink(ctx, msg, args)
	case "invite":
		b.invite(ctx, msg)
	case "setprefix":
		b.setPrefix(ctx, msg, args)
	case "help":
		b.help(ctx, msg)
	}
}

func (b *Bot) mentionsSelf(msg discord.Message) bool {
	self := b.selfID()
	if self == "" {
		return false
	}
	for _, u := range msg.Mentions {
		if u.ID == self {
			return true
		}
	}
	return false
}

func (b *Bot) replyInstructions(ctx context.Context, msg discord.Message) {
	p := b.prefix.Get()
	b.reply(ctx, msg.ChannelID, fmt.Sprintf(
		"👋 Hi <@%s>!\n\n"+
			"To create a Jellyfin account, please DM me:\n`%screateaccount <username> <password>`\n\n"+
			"To reset your password, DM me:\n`%srecoveraccount <newpassword>`\n\n"+
			"Make sure you have the required server role(s) to create an account.",
		msg.Author.ID, p, p,
	))
}

func (b *Bot) reply(ctx context.Context, channelID, content string) {
	if err := b.rest.SendMessage(ctx, channelID, content); err != nil {
		b.log.Warn("reply_failed", "channel_id", channelID, "error", err)
	}
}

// isDM relies on MESSAGE_CREATE carrying no guild_id in DM channels.
func isDM(msg discord.Message) bool {
	return msg.GuildID == ""
}

// requireDM scrubs credentials posted in a public channel and points the
// user at DMs. Returns false when the message was not a DM.
func (b *Bot) requireDM(ctx context.Context, msg discord.Message, action string) bool {
	if isDM(msg) {
		return true
	}
	if err := b.rest.DeleteMessage(ctx, msg.ChannelID, msg.ID); err != nil {
		b.log.Warn("scrub_failed", "message_id", msg.ID, "error", err)
	}
	b.reply(ctx, msg.ChannelID, fmt.Sprintf("<@%s> Please DM me to %s.", msg.Author.ID, action))
	return false
}

func (b *Bot) requireAdmin(ctx context.Context, msg discord.Message) bool {
	if b.roles.HasAdmin(ctx, msg.Author.ID) {
		return true
	}
	b.reply(ctx, msg.ChannelID, "❌ You don't have permission to use this command.")
	return false
}

// allowSelfService applies the per-user limiter to account commands.
func (b *Bot) allowSelfService(ctx context.Context, msg discord.Message) bool {
	if b.limiter == nil || b.limiter.Allow(msg.Author.ID) {
		return true
	}
	b.reply(ctx, msg.ChannelID, "⏳ You're doing that too often. Try again in a minute.")
	return false
}

// parseUserRef accepts a raw Discord id or a <@id> / <@!id> mention.
func parseUserRef(arg string) (string, error) {
	arg = strings.TrimSpace(arg)
	if strings.HasPrefix(arg, "<@") && strings.HasSuffix(arg, ">") {
		arg = strings.TrimSuffix(strings.TrimPrefix(arg, "<@"), ">")
		arg = strings.TrimPrefix(arg, "!")
	}
	if arg == "" {
		return "", errors.New("empty user reference")
	}
	for _, r := range arg {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("not a user id or mention: %q", arg)
		}
	}
	return arg, nil
}

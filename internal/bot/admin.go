package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PenguCCN/Jellycord/internal/discord"
	"github.com/PenguCCN/Jellycord/internal/models"
	"github.com/PenguCCN/Jellycord/internal/reconcile"
	"github.com/PenguCCN/Jellycord/internal/store"
)

func (b *Bot) cleanup(ctx context.Context, msg discord.Message) {
	if !b.requireAdmin(ctx, msg) {
		return
	}

	summary, err := b.engine.RunPass(ctx)
	if err != nil {
		if errors.Is(err, reconcile.ErrPassInFlight) {
			b.reply(ctx, msg.ChannelID, "⏳ A cleanup is already running.")
			return
		}
		b.log.Error("manual_cleanup_failed", "error", err)
		b.reply(ctx, msg.ChannelID, "❌ Cleanup failed: "+err.Error())
		return
	}
	b.reply(ctx, msg.ChannelID, "✅ Cleanup complete. "+summary.Message())
}

func (b *Bot) lastCleanup(ctx context.Context, msg discord.Message) {
	if !b.requireAdmin(ctx, msg) {
		return
	}

	last, err := b.store.LastCleanup(ctx)
	if err != nil {
		b.log.Error("last_cleanup_read_failed", "error", err)
		b.reply(ctx, msg.ChannelID, "❌ Could not read cleanup history.")
		return
	}
	if last.IsZero() {
		b.reply(ctx, msg.ChannelID, "ℹ️ No cleanup has been run yet.")
		return
	}

	remaining := time.Until(last.Add(b.cleanupPeriod))
	if remaining < 0 {
		remaining = 0
	}
	hours := int(remaining.Hours())
	minutes := int(remaining.Minutes()) % 60
	b.reply(ctx, msg.ChannelID, fmt.Sprintf(
		"🧹 Last cleanup ran at **%s UTC**\n⏳ Time until next cleanup: %dh %dm",
		last.UTC().Format("2006-01-02 15:04:05"), hours, minutes))
}

func (b *Bot) searchAccount(ctx context.Context, msg discord.Message, args []string) {
	if !b.requireAdmin(ctx, msg) {
		return
	}
	if len(args) != 1 {
		b.reply(ctx, msg.ChannelID, fmt.Sprintf("Usage: `%ssearchaccount <jellyfin_username>`", b.prefix.Get()))
		return
	}

	acc, err := b.store.FindByUsername(ctx, args[0])
	if err != nil {
		b.log.Error("search_failed", "username", args[0], "error", err)
		b.reply(ctx, msg.ChannelID, "❌ Search failed, please try again later.")
		return
	}
	if acc == nil {
		b.reply(ctx, msg.ChannelID, "❌ No linked Discord user found for that Jellyfin account.")
		return
	}
	b.reply(ctx, msg.ChannelID, fmt.Sprintf(
		"🔍 Jellyfin account **%s** is linked to Discord user <@%s>.", acc.JellyfinUsername, acc.DiscordID))
}

func (b *Bot) searchDiscord(ctx context.Context, msg discord.Message, args []string) {
	if !b.requireAdmin(ctx, msg) {
		return
	}
	if len(args) != 1 {
		b.reply(ctx, msg.ChannelID, fmt.Sprintf("Usage: `%ssearchdiscord <@user|id>`", b.prefix.Get()))
		return
	}
	userID, err := parseUserRef(args[0])
	if err != nil {
		b.reply(ctx, msg.ChannelID, "❌ That doesn't look like a Discord user.")
		return
	}

	acc, lookupErr := b.store.FindByDiscordID(ctx, userID)
	if lookupErr != nil {
		b.log.Error("search_failed", "discord_id", userID, "error", lookupErr)
		b.reply(ctx, msg.ChannelID, "❌ Search failed, please try again later.")
		return
	}
	if acc == nil {
		b.reply(ctx, msg.ChannelID, "❌ That Discord user does not have a linked Jellyfin account.")
		return
	}
	b.reply(ctx, msg.ChannelID, fmt.Sprintf(
		"🔍 Discord user <@%s> is linked to Jellyfin account **%s**.", userID, acc.JellyfinUsername))
}

func (b *Bot) scanLibraries(ctx context.Context, msg discord.Message) {
	if !b.requireAdmin(ctx, msg) {
		return
	}
	if b.media.RefreshLibraries(ctx) {
		b.reply(ctx, msg.ChannelID, "✅ All Jellyfin libraries are being scanned.")
	} else {
		b.reply(ctx, msg.ChannelID, "❌ Failed to start library scan.")
	}
}

// link attaches an existing Jellyfin account to a Discord user. Relinking
// overwrites the previous row, which is also how a lost Jellyseerr id gets
// backfilled.
func (b *Bot) link(ctx context.Context, msg discord.Message, args []string) {
	if !b.requireAdmin(ctx, msg) {
		return
	}
	if len(args) != 2 {
		b.reply(ctx, msg.ChannelID, fmt.Sprintf("Usage: `%slink <jellyfin_username> <@user>`", b.prefix.Get()))
		return
	}
	userID, err := parseUserRef(args[1])
	if err != nil {
		b.reply(ctx, msg.ChannelID, "❌ That doesn't look like a Discord user.")
		return
	}

	account := models.Account{DiscordID: userID, JellyfinUsername: args[0]}
	if id, found := b.media.FindUserID(ctx, args[0]); found {
		account.JellyfinID = id
	} else {
		b.reply(ctx, msg.ChannelID, fmt.Sprintf(
			"⚠️ Jellyfin account **%s** was not found on the server; linking the name anyway.", args[0]))
	}

	if err := b.store.PutAccount(ctx, account); err != nil {
		b.log.Error("link_failed", "discord_id", userID, "error", err)
		b.reply(ctx, msg.ChannelID, "❌ Failed to record the link.")
		return
	}
	b.reply(ctx, msg.ChannelID, fmt.Sprintf(
		"✅ Linked Jellyfin account **%s** to <@%s>.", args[0], userID))
}

// unlink removes the link row without touching the Jellyfin account.
func (b *Bot) unlink(ctx context.Context, msg discord.Message, args []string) {
	if !b.requireAdmin(ctx, msg) {
		return
	}
	if len(args) != 1 {
		b.reply(ctx, msg.ChannelID, fmt.Sprintf("Usage: `%sunlink <@user>`", b.prefix.Get()))
		return
	}
	userID, err := parseUserRef(args[0])
	if err != nil {
		b.reply(ctx, msg.ChannelID, "❌ That doesn't look like a Discord user.")
		return
	}

	acc, lookupErr := b.store.FindByDiscordID(ctx, userID)
	if lookupErr != nil {
		b.log.Error("unlink_lookup_failed", "discord_id", userID, "error", lookupErr)
		b.reply(ctx, msg.ChannelID, "❌ Something went wrong, please try again later.")
		return
	}
	if acc == nil {
		b.reply(ctx, msg.ChannelID, fmt.Sprintf(
			"❌ Discord user <@%s> does not have a linked Jellyfin account.", userID))
		return
	}

	if err := b.store.RemoveAccount(ctx, userID); err != nil {
		b.log.Error("unlink_failed", "discord_id", userID, "error", err)
		b.reply(ctx, msg.ChannelID, "❌ Failed to remove the link.")
		return
	}
	b.reply(ctx, msg.ChannelID, fmt.Sprintf(
		"✅ Unlinked Jellyfin account **%s** from Discord user <@%s>.", acc.JellyfinUsername, userID))
}

func (b *Bot) invite(ctx context.Context, msg discord.Message) {
	if !b.requireAdmin(ctx, msg) {
		return
	}
	if b.invites == nil {
		b.reply(ctx, msg.ChannelID, "❌ Wizarr is not configured.")
		return
	}

	code, ok := b.invites.CreateInvite(ctx, 7*24*time.Hour)
	if !ok {
		b.reply(ctx, msg.ChannelID, "❌ Failed to create a Wizarr invite.")
		return
	}
	b.reply(ctx, msg.ChannelID, fmt.Sprintf("✅ Invite created: `%s` (valid for 7 days)", code))
}

func (b *Bot) setPrefix(ctx context.Context, msg discord.Message, args []string) {
	if !b.requireAdmin(ctx, msg) {
		return
	}
	if len(args) != 1 || len(args[0]) > 5 {
		b.reply(ctx, msg.ChannelID, fmt.Sprintf("Usage: `%ssetprefix <prefix>` (max 5 characters)", b.prefix.Get()))
		return
	}

	b.prefix.Set(args[0])
	if err := b.store.SetMetadata(ctx, store.MetaCommandPrefix, args[0]); err != nil {
		b.log.Warn("prefix_persist_failed", "error", err)
		b.reply(ctx, msg.ChannelID, fmt.Sprintf(
			"⚠️ Prefix changed to `%s` but could not be saved; it will reset on restart.", args[0]))
		return
	}
	b.reply(ctx, msg.ChannelID, fmt.Sprintf("✅ Command prefix has been updated to `%s`", args[0]))
}

func (b *Bot) help(ctx context.Context, msg discord.Message) {
	p := b.prefix.Get()
	text := "📖 **Jellycord Help**\n\n**User Commands** (DM only)\n" +
		fmt.Sprintf("`%screateaccount <username> <password>` - Create your Jellyfin account\n", p) +
		fmt.Sprintf("`%srecoveraccount <newpassword>` - Reset your password\n", p) +
		fmt.Sprintf("`%sdeleteaccount <username>` - Delete your Jellyfin account\n", p) +
		fmt.Sprintf("`%strial <username> <password>` - Start your one-time trial\n", p)

	if b.roles.HasAdmin(ctx, msg.Author.ID) {
		text += "\n**Admin Commands**\n" +
			fmt.Sprintf("`%scleanup` - Remove accounts from users without the required roles\n", p) +
			fmt.Sprintf("`%slastcleanup` - Last cleanup time and time until the next one\n", p) +
			fmt.Sprintf("`%ssearchaccount <jellyfin_username>` - Find the linked Discord user\n", p) +
			fmt.Sprintf("`%ssearchdiscord <@user|id>` - Find the linked Jellyfin account\n", p) +
			fmt.Sprintf("`%sscanlibraries` - Scan all Jellyfin libraries\n", p) +
			fmt.Sprintf("`%slink <jellyfin_username> <@user>` - Link an account to a Discord user\n", p) +
			fmt.Sprintf("`%sunlink <@user>` - Unlink without deleting the account\n", p) +
			fmt.Sprintf("`%sinvite` - Create a Wizarr invite\n", p) +
			fmt.Sprintf("`%ssetprefix <prefix>` - Change the command prefix\n", p)
	}
	b.reply(ctx, msg.ChannelID, text)
}

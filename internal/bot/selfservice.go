package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PenguCCN/Jellycord/internal/discord"
	"github.com/PenguCCN/Jellycord/internal/models"
	"github.com/PenguCCN/Jellycord/internal/store"
)

func (b *Bot) createAccount(ctx context.Context, msg discord.Message, args []string) {
	if !b.requireDM(ctx, msg, "create your Jellyfin account") {
		return
	}
	if !b.allowSelfService(ctx, msg) {
		return
	}
	if len(args) != 2 {
		b.reply(ctx, msg.ChannelID, fmt.Sprintf("Usage: `%screateaccount <username> <password>`", b.prefix.Get()))
		return
	}
	username, password := args[0], args[1]

	if !b.roles.HasEntitlement(ctx, msg.Author.ID) {
		b.reply(ctx, msg.ChannelID, "❌ You don't have the required role to create an account.")
		return
	}

	existing, err := b.store.FindByDiscordID(ctx, msg.Author.ID)
	if err != nil {
		b.log.Error("create_lookup_failed", "discord_id", msg.Author.ID, "error", err)
		b.reply(ctx, msg.ChannelID, "❌ Something went wrong, please try again later.")
		return
	}
	if existing != nil {
		b.reply(ctx, msg.ChannelID, "❌ You already have a Jellyfin account.")
		return
	}

	if !b.media.CreateUser(ctx, username, password) {
		b.reply(ctx, msg.ChannelID, "❌ Failed to create account. Username may already exist.")
		return
	}

	account := models.Account{DiscordID: msg.Author.ID, JellyfinUsername: username}
	if id, found := b.media.FindUserID(ctx, username); found {
		account.JellyfinID = id
		if !b.media.ApplyDefaultPolicy(ctx, id) {
			b.log.Warn("default_policy_not_applied", "username", username)
		}
	}

	if err := b.store.PutAccount(ctx, account); err != nil {
		// the remote account exists but the link does not; say so plainly
		b.log.Error("create_record_failed", "discord_id", msg.Author.ID, "error", err)
		b.reply(ctx, msg.ChannelID,
			"⚠️ Your Jellyfin account was created but could not be linked to your Discord. Please contact an admin.")
		return
	}

	reply := fmt.Sprintf("✅ Account created! You can log in at %s", b.media.ServerURL())
	if b.requests != nil {
		if seerrID, ok := b.requests.ImportUser(ctx, account.JellyfinID); ok {
			account.JellyseerrID = &seerrID
			if err := b.store.PutAccount(ctx, account); err != nil {
				b.log.Warn("seerr_id_record_failed", "discord_id", msg.Author.ID, "error", err)
			}
			reply += "\n✅ Your account was also imported into Jellyseerr."
		} else {
			reply += "\n⚠️ Jellyseerr import failed; an admin can import you manually."
		}
	}
	b.reply(ctx, msg.ChannelID, reply)
}

func (b *Bot) recoverAccount(ctx context.Context, msg discord.Message, args []string) {
	if !b.requireDM(ctx, msg, "reset your password") {
		return
	}
	if !b.allowSelfService(ctx, msg) {
		return
	}
	if len(args) != 1 {
		b.reply(ctx, msg.ChannelID, fmt.Sprintf("Usage: `%srecoveraccount <newpassword>`", b.prefix.Get()))
		return
	}

	acc, err := b.store.FindByDiscordID(ctx, msg.Author.ID)
	if err != nil {
		b.log.Error("recover_lookup_failed", "discord_id", msg.Author.ID, "error", err)
		b.reply(ctx, msg.ChannelID, "❌ Something went wrong, please try again later.")
		return
	}
	if acc == nil {
		b.reply(ctx, msg.ChannelID, "❌ You do not have a linked Jellyfin account.")
		return
	}

	if b.media.ResetPassword(ctx, acc.JellyfinUsername, args[0]) {
		b.reply(ctx, msg.ChannelID, fmt.Sprintf(
			"✅ Your Jellyfin password for **%s** has been reset!\n🌐 Login here: %s",
			acc.JellyfinUsername, b.media.ServerURL()))
	} else {
		b.reply(ctx, msg.ChannelID, fmt.Sprintf(
			"❌ Failed to reset password for **%s**. Please contact an admin.", acc.JellyfinUsername))
	}
}

func (b *Bot) deleteAccount(ctx context.Context, msg discord.Message, args []string) {
	if !b.requireDM(ctx, msg, "delete your Jellyfin account") {
		return
	}
	if !b.allowSelfService(ctx, msg) {
		return
	}
	if len(args) != 1 {
		b.reply(ctx, msg.ChannelID, fmt.Sprintf("Usage: `%sdeleteaccount <username>`", b.prefix.Get()))
		return
	}

	acc, err := b.store.FindByDiscordID(ctx, msg.Author.ID)
	if err != nil {
		b.log.Error("delete_lookup_failed", "discord_id", msg.Author.ID, "error", err)
		b.reply(ctx, msg.ChannelID, "❌ Something went wrong, please try again later.")
		return
	}
	if acc == nil || !strings.EqualFold(acc.JellyfinUsername, args[0]) {
		b.reply(ctx, msg.ChannelID, "❌ That Jellyfin account is not linked to your Discord user.")
		return
	}

	if !b.media.DeleteUser(ctx, acc.JellyfinUsername) {
		b.reply(ctx, msg.ChannelID, "❌ Failed to delete account.")
		return
	}
	if b.requests != nil && acc.JellyseerrID != nil {
		if !b.requests.DeleteUser(ctx, *acc.JellyseerrID) {
			b.log.Warn("seerr_delete_failed", "discord_id", msg.Author.ID, "seerr_id", *acc.JellyseerrID)
		}
	}
	if err := b.store.RemoveAccount(ctx, msg.Author.ID); err != nil {
		b.log.Error("delete_record_failed", "discord_id", msg.Author.ID, "error", err)
		b.reply(ctx, msg.ChannelID,
			"⚠️ The Jellyfin account was deleted but the link record could not be removed. An admin can unlink you.")
		return
	}
	b.reply(ctx, msg.ChannelID, "✅ Account deleted.")
}

// trialAccount provisions a one-time trial. The trial ledger keeps expired
// rows forever, so any prior row, expired or not, blocks a new trial.
func (b *Bot) trialAccount(ctx context.Context, msg discord.Message, args []string) {
	if !b.requireDM(ctx, msg, "start your trial") {
		return
	}
	if !b.allowSelfService(ctx, msg) {
		return
	}
	if len(args) != 2 {
		b.reply(ctx, msg.ChannelID, fmt.Sprintf("Usage: `%strial <username> <password>`", b.prefix.Get()))
		return
	}
	username, password := args[0], args[1]

	existing, err := b.store.FindByDiscordID(ctx, msg.Author.ID)
	if err != nil {
		b.log.Error("trial_lookup_failed", "discord_id", msg.Author.ID, "error", err)
		b.reply(ctx, msg.ChannelID, "❌ Something went wrong, please try again later.")
		return
	}
	if existing != nil {
		b.reply(ctx, msg.ChannelID, "❌ You already have a full Jellyfin account; no trial needed.")
		return
	}

	prior, err := b.store.FindTrial(ctx, msg.Author.ID)
	if err != nil {
		b.log.Error("trial_ledger_failed", "discord_id", msg.Author.ID, "error", err)
		b.reply(ctx, msg.ChannelID, "❌ Something went wrong, please try again later.")
		return
	}
	if prior != nil {
		b.reply(ctx, msg.ChannelID, "❌ You have already used your trial.")
		return
	}

	if !b.media.CreateUser(ctx, username, password) {
		b.reply(ctx, msg.ChannelID, "❌ Failed to create trial account. Username may already exist.")
		return
	}

	trial := models.TrialAccount{
		DiscordID:        msg.Author.ID,
		JellyfinUsername: username,
		CreatedAt:        time.Now().UTC(),
	}
	if id, found := b.media.FindUserID(ctx, username); found {
		trial.JellyfinID = id
		if !b.media.ApplyDefaultPolicy(ctx, id) {
			b.log.Warn("default_policy_not_applied", "username", username)
		}
	}

	if err := b.store.PutTrial(ctx, trial); err != nil {
		if errors.Is(err, store.ErrTrialExists) {
			// lost a race with ourselves; undo the remote account
			b.media.DeleteUser(ctx, username)
			b.reply(ctx, msg.ChannelID, "❌ You have already used your trial.")
			return
		}
		b.log.Error("trial_record_failed", "discord_id", msg.Author.ID, "error", err)
		b.reply(ctx, msg.ChannelID,
			"⚠️ Your trial account was created but could not be recorded. Please contact an admin.")
		return
	}

	hours := int(b.trialDuration.Hours())
	b.reply(ctx, msg.ChannelID, fmt.Sprintf(
		"✅ Trial account created! It expires in %dh. Log in at %s", hours, b.media.ServerURL()))
}

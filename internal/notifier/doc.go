// Package notifier is the outbound side of the bot: plain messages, embeds and
// ping-role membership changes.
//
// The core (scheduler, relay, commands) talks to the Notifier interface only.
// A platform binding implements Platform; Service decorates it with a token
// bucket, bounded jittered retries, per-call timeouts, bus events and metrics.
//
// # Markup
//
// Text handed to a Notifier uses a small markdown subset (**bold**, *italic*,
// backslash escapes) plus mention tokens: <@member> for a member and <@&role>
// for a ping role. Bindings translate both to their native form.
package notifier

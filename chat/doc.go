// Package chat reads live chat from a streaming platform and hands the poll
// loop batches of Entry values.
//
// Two sources are provided:
//   - YouTubeSource polls liveChatMessages.list through the Data API, honoring
//     the server's polling interval and stopping when the broadcast goes offline.
//   - TwitchSource joins the channel over IRC and buffers PRIVMSG authors,
//     optionally checking Helix to notice when the stream has ended.
//
// Errors are sorted into transient and fatal with Classify so the loop knows
// whether to back off and reconnect or to stop.
package chat

// Package modbot implements a Discord community bot that moderates
// guild messages with OpenAI's moderation endpoint, and connects
// members' Spotify accounts for music commands.
//
// Key components of the package include:
//
//   - ModBot: wires the components together, and runs the bot.
//   - ConversationMachine: per-user DM conversations, used for reports,
//     flagged message follow-ups and building a music profile.
//   - TokenManager: the Spotify OAuth lifecycle (authorization links,
//     the code exchange, and refreshing expired access tokens).
//   - CallbackServer: the HTTP server Spotify redirects back to.
//   - TriviaTask: posts a generated music trivia question once a day.
//   - Recommender and Playlists: recommendations from a member's
//     profile, and shared playlists owned by one member's account.
//
// The bot supports these commands:
//
//   - /connect: links the member's Spotify account.
//   - /playing, /top, /account: read from the member's Spotify account.
//   - /profile: shows a member's music profile.
//   - /recommend: suggests a song, artist or album.
//   - /playlist: creates, adds to and lists collaborative playlists.
//
// DM handling is serialized per user, so a member's conversation sees
// their messages (and any flagged message notice) in order.
package modbot

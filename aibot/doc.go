// Package aibot implements a Discord bot that forwards user messages to
// multiple AI vendors and returns their responses to the channel.
//
// The bot listens for mentions, direct messages, prefixed commands and
// slash commands, and routes each prompt to OpenAI, Anthropic, Google
// Gemini or xAI Grok based on a leading vendor keyword. Responses are
// split to fit Discord's message length limit, and recent exchanges are
// replayed to the vendor so conversations have context.
//
// Key components of the package include:
//
//   - Bot: The main struct that encapsulates the bot's core functionality.
//   - Discord: Handles Discord integration and message processing.
//   - ClientRegistry: Routes prompts to the configured AI vendor clients.
//   - TaskScheduler: Runs named scheduled tasks, persisted to a JSON file.
//   - RoleColorManager: Rotates guild role colors on a time-of-day cycle.
//   - API: Provides a backend API for bot management and monitoring.
//
// The bot supports various commands:
//
//   - /ask: Sends a prompt to an AI vendor and replies with the response.
//   - /clear: Clears the caller's conversation history.
//   - /remindme: Schedules a one-shot reminder in the current channel.
//   - /taskctl: Lists, starts and stops scheduled tasks (admin only).
//
// The package also includes per-user rate limiting, usage statistics,
// a user access request workflow, and extensive logging to ensure smooth
// operation and easy troubleshooting.
package aibot

// Package tgui provides small Telegram UI helpers:
//   - Inline keyboard builders
//   - Callback data helpers (action:payload)
//   - A message builder with safe HTML defaults
package tgui

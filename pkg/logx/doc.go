// Package logx is the bot's structured logging layer, a thin wrapper
// over zerolog. It renders readable console output (short timestamps,
// file:line callers), writes JSON to the log file, and can mirror
// warnings into a VK conversation so operators see trouble in the chat
// they steer the bot from. Sinks and levels swap live on config reload.
package logx

// Package vkui provides small VK UI helpers:
//   - Keyboard builders (regular and inline) serialized to the JSON the
//     messages.send "keyboard" parameter expects
//   - Button payload helpers (command:action:payload)
//   - Text utilities respecting VK message limits
//
// Design goals:
//   - Ergonomic for command handlers (build, serialize, attach)
//   - Valid by construction: limits are checked at serialization time
package vkui

// Package command defines the JSON wire format spoken by Moodrop
// dispensers and builds outbound command payloads.
//
// Outbound commands carry an uppercase "CMD" discriminator and a "data"
// array whose item shape depends on the command kind. Inbound messages
// use the same discriminator, lowercased on arrival; devices are loose
// about field names, so the decoder accepts the known aliases for each
// field rather than one canonical spelling.
package command

// Package live holds the per-utterance processing that sits between the
// transcription socket and the conversation: chunk dedupe, turn finalization,
// end-of-turn scoring, and barge-in detection during assistant playback.
//
// # Data Flow
//
//	mic PCM → ChunkDedupe → socket
//	              │
//	              └→ BargeIn (energy, spectral check) → Playback.Fade/Stop
//
//	socket messages → TranscriptionManager → TurnDetector → OnTurn
//	                         │
//	                         └→ OnPartial → BargeIn.ObserveTranscript
//
// Components are independent and driven by the connection lifecycle, which
// creates them per connection and tears them down on disconnect.
package live

package kernel

// Version identifies the decision semantics of this kernel build. Replay
// requires an exact match: any change to gate ordering, canonicalization,
// hashing, or cost tables bumps it.
const Version = "1.4.0"

// Package password provides the credential hashers accepted by the engine:
// argon2id in PHC string format for new deployments, and bcrypt for stores
// migrated from bcrypt-based systems. Both expose Hash, Verify, and
// NeedsUpgrade so hosts can transparently rehash on successful login.
package password

// Package password hashes user passwords with argon2 and encrypts the
// resulting PHC strings at rest.
//
// # Stored key
//
// [Vault.Seal] hashes with argon2id and encrypts the PHC string
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// with AES-192-CBC. The key is PBKDF2-SHA256 of the password secret salted by
// the user name, the IV is the MD5 of the user name. Both argon2i and argon2id
// hashes verify, so keys produced by older deployments keep working.
//
// [Argon2.NeedsUpgrade] reports hashes made with weaker parameters than the
// current Config.
//
// Nothing here logs or stores plaintext passwords.
package password

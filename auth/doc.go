/*
Package auth defines how relays turn the token a client presents during the
handshake into a verified user identity. Verifiers exist for a plain token file,
HMAC-signed JWTs and a session token table in a PostgreSQL database.
*/
package auth

/*
Package crypto provides the TLS configurations used by cosync: a strict one for
relays accepting client connections and one for clients dialing a relay whose
certificate may be signed by a private root. It can also generate self-signed
certificates for development setups.
*/
package crypto

package auth

import (
	"bufio"
	"context"
	"os"
	"sort"
	"strings"

	"github.com/go-pluto/cosync/crdt"
	"github.com/pkg/errors"
)

// Structs

// FileVerifier contains file based token information:
// the sorted in-memory list of token to user mappings.
type FileVerifier struct {
	Tokens []Token
}

// Token holds one line from the tokens file.
type Token struct {
	Value string
	User  crdt.PeerID
}

// Functions

// NewFileVerifier takes in a file name and a separator,
// reads in specified file and parses it line by line as
// token - user elements separated by the separator. Empty
// lines and lines starting with '#' are skipped.
func NewFileVerifier(file string, sep string) (*FileVerifier, error) {

	if sep == "" {
		sep = ":"
	}

	// Open file with token information.
	handle, err := os.Open(file)
	if err != nil {
		return nil, errors.Wrap(err, "could not open supplied token file")
	}
	defer handle.Close()

	tokens := make([]Token, 0, 50)
	scanner := bufio.NewScanner(handle)

	line := 0
	for scanner.Scan() {

		line++

		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		// Split read line based on separator defined in config file.
		parts := strings.SplitN(text, sep, 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, errors.Errorf("malformed line %d in token file", line)
		}

		if strings.Contains(parts[1], "#") {
			return nil, errors.Errorf("user on line %d must not contain '#'", line)
		}

		tokens = append(tokens, Token{
			Value: parts[0],
			User:  crdt.PeerID(parts[1]),
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "experienced error while scanning token file")
	}

	return NewStaticVerifier(tokens), nil
}

// NewStaticVerifier builds a verifier from in-memory tokens.
func NewStaticVerifier(tokens []Token) *FileVerifier {

	sorted := append([]Token(nil), tokens...)

	// Sort tokens list to search it efficiently later on.
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Value < sorted[j].Value
	})

	return &FileVerifier{
		Tokens: sorted,
	}
}

// Verify looks token up in the in-memory list.
func (f *FileVerifier) Verify(ctx context.Context, token string) (crdt.PeerID, error) {

	i := sort.Search(len(f.Tokens), func(i int) bool {
		return f.Tokens[i].Value >= token
	})

	if token == "" || i >= len(f.Tokens) || f.Tokens[i].Value != token {
		return "", ErrInvalidToken
	}

	return f.Tokens[i].User, nil
}

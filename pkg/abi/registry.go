package abi

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// UnknownEvent is the name reported for topic hashes that are not registered
const UnknownEvent = "unknown"

// TopicHash returns the keccak256 hash of a canonical event signature
// such as "Transfer(address,address,uint256)".
func TopicHash(signature string) common.Hash {
	return crypto.Keccak256Hash([]byte(signature))
}

type topicEntry struct {
	name      string
	signature string
}

// TopicRegistry maps topic hashes to event names and back.
// It is immutable after construction and safe for concurrent use.
type TopicRegistry struct {
	byHash map[common.Hash]topicEntry
	byName map[string]common.Hash
}

// NewTopicRegistry builds a registry from canonical signatures.
// Two signatures hashing to the same topic is a configuration error.
func NewTopicRegistry(signatures []string) (*TopicRegistry, error) {
	r := &TopicRegistry{
		byHash: make(map[common.Hash]topicEntry, len(signatures)),
		byName: make(map[string]common.Hash, len(signatures)),
	}

	for _, sig := range signatures {
		name, err := signatureName(sig)
		if err != nil {
			return nil, err
		}

		hash := TopicHash(sig)
		if existing, ok := r.byHash[hash]; ok {
			if existing.signature == sig {
				continue
			}
			return nil, fmt.Errorf("topic collision: %q and %q both hash to %s", existing.signature, sig, hash.Hex())
		}

		r.byHash[hash] = topicEntry{name: name, signature: sig}
		if _, ok := r.byName[name]; !ok {
			r.byName[name] = hash
		}
	}

	return r, nil
}

// Name returns the event name for a topic hash, or UnknownEvent
func (r *TopicRegistry) Name(topic common.Hash) string {
	if e, ok := r.byHash[topic]; ok {
		return e.name
	}
	return UnknownEvent
}

// Lookup returns the event name and whether the topic is registered
func (r *TopicRegistry) Lookup(topic common.Hash) (string, bool) {
	e, ok := r.byHash[topic]
	return e.name, ok
}

// Signature returns the canonical signature registered for a topic
func (r *TopicRegistry) Signature(topic common.Hash) (string, bool) {
	e, ok := r.byHash[topic]
	return e.signature, ok
}

// Hash returns the topic hash of the first signature registered under name
func (r *TopicRegistry) Hash(name string) (common.Hash, bool) {
	h, ok := r.byName[name]
	return h, ok
}

// Names returns the registered event names, sorted
func (r *TopicRegistry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered topics
func (r *TopicRegistry) Len() int {
	return len(r.byHash)
}

func signatureName(sig string) (string, error) {
	open := strings.IndexByte(sig, '(')
	if open <= 0 || !strings.HasSuffix(sig, ")") {
		return "", fmt.Errorf("malformed event signature %q", sig)
	}
	if strings.ContainsAny(sig, " \t\n") {
		return "", fmt.Errorf("event signature %q must not contain whitespace", sig)
	}
	return sig[:open], nil
}

package download

import "sync"

// ContentIndex maps content digests to the first file seen with them. It is
// shared by every worker of a run.
type ContentIndex struct {
	mu   sync.Mutex
	refs map[string]string
}

func NewContentIndex() *ContentIndex {
	return &ContentIndex{refs: map[string]string{}}
}

// Claim registers ref as the owner of key unless the key is already owned,
// possibly by the same file in a previous run. It returns the owner and
// whether ref became the owner. The lookup and the insertion happen under the
// same lock.
func (i *ContentIndex) Claim(key, ref string) (owner string, claimed bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if owner, ok := i.refs[key]; ok {
		return owner, false
	}
	i.refs[key] = ref
	return ref, true
}

// Release forgets key if ref owns it.
func (i *ContentIndex) Release(key, ref string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.refs[key] == ref {
		delete(i.refs, key)
	}
}

// Lookup returns the owner of key.
func (i *ContentIndex) Lookup(key string) (string, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	ref, ok := i.refs[key]
	return ref, ok
}

// Seed loads digests known from previous runs. Existing owners are kept.
func (i *ContentIndex) Seed(refs map[string]string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for k, v := range refs {
		if _, ok := i.refs[k]; !ok {
			i.refs[k] = v
		}
	}
}

func (i *ContentIndex) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.refs)
}

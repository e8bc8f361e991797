package langindex

import "sync"

// NMTNodeCapability is one node's NMT coverage descriptor as carried by
// the flat NMT lookup list (spec §4.3): rule + language set + blocked
// pairs, evaluated lazily rather than expanded into pair sets.
type NMTNodeCapability struct {
	NodeID    string
	Rule      string // "any_to_any" | "any_to_en" | "en_to_any" | "specific_pairs"
	Languages map[string]struct{}
	Pairs     map[[2]string]struct{} // used only for specific_pairs
	Blocked   map[[2]string]struct{}
}

// covers evaluates whether this capability covers (src, tgt), both
// already normalized, honoring blocked pairs.
func (c NMTNodeCapability) covers(src, tgt string) bool {
	if _, blocked := c.Blocked[[2]string{src, tgt}]; blocked {
		return false
	}
	switch c.Rule {
	case "any_to_any":
		_, okSrc := c.Languages[src]
		_, okTgt := c.Languages[tgt]
		return okSrc && okTgt
	case "any_to_en":
		_, okSrc := c.Languages[src]
		return okSrc && tgt == "en"
	case "en_to_any":
		_, okTgt := c.Languages[tgt]
		return src == "en" && okTgt
	case "specific_pairs":
		_, ok := c.Pairs[[2]string{src, tgt}]
		return ok
	default:
		return false
	}
}

// Index maintains the three reverse lang -> node maps and the flat NMT
// capability list, kept in lock step with node updates (spec §4.3).
// All exported methods are safe for concurrent use.
type Index struct {
	mu  sync.RWMutex
	asr map[string]map[string]struct{}
	tts map[string]map[string]struct{}
	sem map[string]map[string]struct{}
	nmt map[string]NMTNodeCapability // nodeID -> capability, one per node
}

// New creates an empty Index.
func New() *Index {
	return &Index{
		asr: make(map[string]map[string]struct{}),
		tts: make(map[string]map[string]struct{}),
		sem: make(map[string]map[string]struct{}),
		nmt: make(map[string]NMTNodeCapability),
	}
}

// UpdateNode replaces nodeID's entries across all four indexes with the
// given language sets and NMT capability. ASR/TTS/semantic codes are
// normalized here and the auto sentinel is skipped; the NMT capability is
// stored as given. Passing a nil NMTNodeCapability removes the node's NMT
// entry. This is the only write path.
func (idx *Index) UpdateNode(nodeID string, asrLangs, ttsLangs, semLangs map[string]struct{}, nmt *NMTNodeCapability) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	removeFromAll(idx.asr, nodeID)
	removeFromAll(idx.tts, nodeID)
	removeFromAll(idx.sem, nodeID)

	addToAll(idx.asr, nodeID, asrLangs)
	addToAll(idx.tts, nodeID, ttsLangs)
	addToAll(idx.sem, nodeID, semLangs)

	if nmt == nil {
		delete(idx.nmt, nodeID)
	} else {
		idx.nmt[nodeID] = *nmt
	}
}

// RemoveNode drops nodeID from every index (e.g. on offline transition).
func (idx *Index) RemoveNode(nodeID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	removeFromAll(idx.asr, nodeID)
	removeFromAll(idx.tts, nodeID)
	removeFromAll(idx.sem, nodeID)
	delete(idx.nmt, nodeID)
}

// NodesForASR returns the set of node ids advertising lang for ASR. lang
// is normalized before lookup; the auto sentinel never matches.
func (idx *Index) NodesForASR(lang string) map[string]struct{} {
	return idx.lookup(idx.asr, lang)
}

// NodesForTTS returns the set of node ids advertising lang for TTS.
func (idx *Index) NodesForTTS(lang string) map[string]struct{} {
	return idx.lookup(idx.tts, lang)
}

// NodesForSemantic returns the set of node ids advertising lang for the
// semantic/translation-quality service.
func (idx *Index) NodesForSemantic(lang string) map[string]struct{} {
	return idx.lookup(idx.sem, lang)
}

func (idx *Index) lookup(m map[string]map[string]struct{}, lang string) map[string]struct{} {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	set, ok := m[Normalize(lang)]
	if !ok {
		return nil
	}
	out := make(map[string]struct{}, len(set))
	for k := range set {
		out[k] = struct{}{}
	}
	return out
}

// FindNodesForNMTPair returns the node ids whose NMT capability covers
// (src, tgt), both already normalized. O(|nmt_nodes|) per spec §4.3.
func (idx *Index) FindNodesForNMTPair(src, tgt string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var out []string
	for nodeID, cap := range idx.nmt {
		if cap.covers(src, tgt) {
			out = append(out, nodeID)
		}
	}
	return out
}

func removeFromAll(m map[string]map[string]struct{}, nodeID string) {
	for lang, set := range m {
		if _, ok := set[nodeID]; ok {
			delete(set, nodeID)
			if len(set) == 0 {
				delete(m, lang)
			}
		}
	}
}

func addToAll(m map[string]map[string]struct{}, nodeID string, langs map[string]struct{}) {
	for lang := range langs {
		if IsAuto(lang) {
			continue // auto never indexed (P8)
		}
		n := Normalize(lang)
		set, ok := m[n]
		if !ok {
			set = make(map[string]struct{})
			m[n] = set
		}
		set[nodeID] = struct{}{}
	}
}

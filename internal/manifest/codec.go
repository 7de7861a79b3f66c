package manifest

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Schema element names. The format carries no version field; producers and
// consumers must agree on these out of band.
const (
	rootKey  = "manifest"
	filesKey = "files"
	pathKey  = "path"
	sizeKey  = "size"
	hashKey  = "hash"
)

// Encode writes m to w as a manifest document.
func Encode(w io.Writer, m *Manifest) error {
	files := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	for _, fp := range m.Entries() {
		files.Content = append(files.Content, &yaml.Node{
			Kind: yaml.MappingNode,
			Tag:  "!!map",
			Content: []*yaml.Node{
				keyNode(pathKey), strNode(fp.Path),
				keyNode(sizeKey), {Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.FormatUint(fp.Size, 10)},
				keyNode(hashKey), strNode(fp.HashString()),
			},
		})
	}

	doc := &yaml.Node{
		Kind: yaml.DocumentNode,
		Content: []*yaml.Node{{
			Kind: yaml.MappingNode,
			Tag:  "!!map",
			Content: []*yaml.Node{
				keyNode(rootKey),
				{
					Kind:    yaml.MappingNode,
					Tag:     "!!map",
					Content: []*yaml.Node{keyNode(filesKey), files},
				},
			},
		}},
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	return enc.Close()
}

// Decode reads a manifest document from r. Any structural problem is
// reported as an error wrapping ErrParse.
func Decode(r io.Reader) (*Manifest, error) {
	var doc yaml.Node
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 {
		return nil, fmt.Errorf("%w: expected a single document", ErrParse)
	}

	root := mappingValue(doc.Content[0], rootKey)
	if root == nil || root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: missing %q mapping", ErrParse, rootKey)
	}

	m := New()
	files := mappingValue(root, filesKey)
	if files == nil {
		return m, nil
	}
	if files.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("%w: %q must be a sequence (line %d)", ErrParse, filesKey, files.Line)
	}

	for _, item := range files.Content {
		fp, err := decodeFile(item)
		if err != nil {
			return nil, err
		}
		if _, dup := m.Get(fp.Path); dup {
			return nil, fmt.Errorf("%w: duplicate path %q (line %d)", ErrParse, fp.Path, item.Line)
		}
		m.Put(fp)
	}

	return m, nil
}

func decodeFile(node *yaml.Node) (FileFingerprint, error) {
	if node.Kind != yaml.MappingNode {
		return FileFingerprint{}, fmt.Errorf("%w: file entry must be a mapping (line %d)", ErrParse, node.Line)
	}

	var fp FileFingerprint

	pathNode := mappingValue(node, pathKey)
	if pathNode == nil || pathNode.Kind != yaml.ScalarNode {
		return fp, fmt.Errorf("%w: file entry without %q (line %d)", ErrParse, pathKey, node.Line)
	}
	p, err := CleanPath(pathNode.Value)
	if err != nil {
		return fp, fmt.Errorf("%w: %v (line %d)", ErrParse, err, pathNode.Line)
	}
	fp.Path = p

	if sizeNode := mappingValue(node, sizeKey); sizeNode != nil {
		size, err := strconv.ParseUint(sizeNode.Value, 10, 64)
		if sizeNode.Kind != yaml.ScalarNode || err != nil {
			return fp, fmt.Errorf("%w: invalid size %q for %s (line %d)", ErrParse, sizeNode.Value, p, sizeNode.Line)
		}
		fp.Size = size
	}

	if hashNode := mappingValue(node, hashKey); hashNode != nil && hashNode.Value != "" {
		hash, err := hex.DecodeString(hashNode.Value)
		if hashNode.Kind != yaml.ScalarNode || err != nil || len(hash) != HashSize {
			return fp, fmt.Errorf("%w: invalid hash %q for %s (line %d)", ErrParse, hashNode.Value, p, hashNode.Line)
		}
		fp.Hash = hash
	}

	return fp, nil
}

// mappingValue returns the value node stored under key in a mapping node.
func mappingValue(node *yaml.Node, key string) *yaml.Node {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

func keyNode(name string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: name}
}

func strNode(value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value, Style: yaml.DoubleQuotedStyle}
}

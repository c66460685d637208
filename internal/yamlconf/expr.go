package yamlconf

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"gopkg.in/yaml.v3"
)

// inputExprs turns the `inputs` mapping into one expression per key.
func inputExprs(n *yaml.Node, filename string) (map[string]hcl.Expression, error) {
	if n.Kind == 0 {
		return nil, nil
	}
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: inputs must be a mapping", n.Line)
	}
	out := make(map[string]hcl.Expression, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := n.Content[i].Value
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("line %d: input '%s' is declared twice", n.Content[i].Line, key)
		}
		expr, err := toExpr(n.Content[i+1], filename)
		if err != nil {
			return nil, fmt.Errorf("input '%s': %w", key, err)
		}
		out[key] = expr
	}
	return out, nil
}

func toExpr(n *yaml.Node, filename string) (hclsyntax.Expression, error) {
	pos := hcl.Pos{Line: n.Line, Column: n.Column}
	rng := hcl.Range{Filename: filename, Start: pos, End: pos}

	switch n.Kind {
	case yaml.AliasNode:
		return toExpr(n.Alias, filename)

	case yaml.ScalarNode:
		if n.ShortTag() == "!!str" {
			expr, diags := hclsyntax.ParseTemplate([]byte(n.Value), filename, pos)
			if diags.HasErrors() {
				return nil, diags
			}
			return expr, nil
		}
		v, err := scalarValue(n)
		if err != nil {
			return nil, err
		}
		return &hclsyntax.LiteralValueExpr{Val: v, SrcRange: rng}, nil

	case yaml.MappingNode:
		items := make([]hclsyntax.ObjectConsItem, 0, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			k := n.Content[i]
			val, err := toExpr(n.Content[i+1], filename)
			if err != nil {
				return nil, err
			}
			items = append(items, hclsyntax.ObjectConsItem{
				KeyExpr:   &hclsyntax.LiteralValueExpr{Val: cty.StringVal(k.Value), SrcRange: rng},
				ValueExpr: val,
			})
		}
		return &hclsyntax.ObjectConsExpr{Items: items, SrcRange: rng, OpenRange: rng}, nil

	case yaml.SequenceNode:
		exprs := make([]hclsyntax.Expression, 0, len(n.Content))
		for _, item := range n.Content {
			e, err := toExpr(item, filename)
			if err != nil {
				return nil, err
			}
			exprs = append(exprs, e)
		}
		return &hclsyntax.TupleConsExpr{Exprs: exprs, SrcRange: rng, OpenRange: rng}, nil
	}
	return nil, fmt.Errorf("line %d: unsupported YAML node", n.Line)
}

func scalarValue(n *yaml.Node) (cty.Value, error) {
	switch n.ShortTag() {
	case "!!null":
		return cty.NullVal(cty.DynamicPseudoType), nil
	case "!!bool":
		var b bool
		if err := n.Decode(&b); err != nil {
			return cty.NilVal, err
		}
		return cty.BoolVal(b), nil
	case "!!int", "!!float":
		if v, err := cty.ParseNumberVal(n.Value); err == nil {
			return v, nil
		}
		var f float64
		if err := n.Decode(&f); err != nil {
			return cty.NilVal, err
		}
		return cty.NumberFloatVal(f), nil
	}
	return cty.StringVal(n.Value), nil
}

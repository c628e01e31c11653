package ddbtest

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Item is a stored DynamoDB item.
type Item = map[string]types.AttributeValue

type tokenKind int

const (
	tkIdent tokenKind = iota
	tkName
	tkValue
	tkPunct
	tkEOF
)

type token struct {
	kind tokenKind
	text string
}

func isIdentByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func tokenize(s string) ([]token, error) {
	var out []token
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '#' || c == ':':
			j := i + 1
			for j < len(s) && isIdentByte(s[j]) {
				j++
			}
			if j == i+1 {
				return nil, fmt.Errorf("dangling %q at %d", c, i)
			}
			kind := tkName
			if c == ':' {
				kind = tkValue
			}
			out = append(out, token{kind: kind, text: s[i:j]})
			i = j
		case isIdentByte(c):
			j := i
			for j < len(s) && isIdentByte(s[j]) {
				j++
			}
			out = append(out, token{kind: tkIdent, text: s[i:j]})
			i = j
		case c == '<' || c == '>':
			if i+1 < len(s) && (s[i+1] == '=' || (c == '<' && s[i+1] == '>')) {
				out = append(out, token{kind: tkPunct, text: s[i : i+2]})
				i += 2
			} else {
				out = append(out, token{kind: tkPunct, text: s[i : i+1]})
				i++
			}
		case strings.IndexByte("()=,+-", c) >= 0:
			out = append(out, token{kind: tkPunct, text: s[i : i+1]})
			i++
		default:
			return nil, fmt.Errorf("unexpected %q at %d", c, i)
		}
	}
	return append(out, token{kind: tkEOF}), nil
}

var keywords = map[string]bool{
	"AND": true, "OR": true, "NOT": true, "BETWEEN": true, "IN": true,
	"SET": true, "ADD": true, "REMOVE": true, "DELETE": true,
}

type parser struct {
	toks   []token
	pos    int
	names  map[string]string
	values map[string]types.AttributeValue
}

func newParser(expr string, names map[string]string, values map[string]types.AttributeValue) (*parser, error) {
	toks, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	return &parser{toks: toks, names: names, values: values}, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) peekAt(n int) token {
	if p.pos+n >= len(p.toks) {
		return token{kind: tkEOF}
	}
	return p.toks[p.pos+n]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tkEOF {
		p.pos++
	}
	return t
}

func (p *parser) accept(text string) bool {
	t := p.peek()
	if (t.kind == tkPunct && t.text == text) || (t.kind == tkIdent && strings.EqualFold(t.text, text)) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(text string) error {
	if !p.accept(text) {
		return fmt.Errorf("expected %q, got %q", text, p.peek().text)
	}
	return nil
}

func (p *parser) done() error {
	if p.peek().kind != tkEOF {
		return fmt.Errorf("unexpected %q", p.peek().text)
	}
	return nil
}

// path reads an attribute name, resolving #placeholders.
func (p *parser) path() (string, error) {
	t := p.next()
	switch t.kind {
	case tkName:
		name, ok := p.names[t.text]
		if !ok {
			return "", fmt.Errorf("undefined attribute name %s", t.text)
		}
		return name, nil
	case tkIdent:
		if keywords[strings.ToUpper(t.text)] {
			return "", fmt.Errorf("unexpected keyword %s", t.text)
		}
		return t.text, nil
	}
	return "", fmt.Errorf("expected attribute, got %q", t.text)
}

type operand func(item Item) types.AttributeValue

func (p *parser) operand() (operand, error) {
	t := p.peek()
	if t.kind == tkValue {
		p.next()
		v, ok := p.values[t.text]
		if !ok {
			return nil, fmt.Errorf("undefined value %s", t.text)
		}
		return func(Item) types.AttributeValue { return v }, nil
	}
	if t.kind == tkIdent && strings.EqualFold(t.text, "size") && p.peekAt(1).text == "(" {
		p.next()
		p.next()
		name, err := p.path()
		if err != nil {
			return nil, err
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		return func(item Item) types.AttributeValue {
			n, ok := size(item[name])
			if !ok {
				return nil
			}
			return &types.AttributeValueMemberN{Value: strconv.Itoa(n)}
		}, nil
	}
	name, err := p.path()
	if err != nil {
		return nil, err
	}
	return func(item Item) types.AttributeValue { return item[name] }, nil
}

type condition func(item Item) bool

func parseCondition(expr string, names map[string]string, values map[string]types.AttributeValue) (condition, error) {
	p, err := newParser(expr, names, values)
	if err != nil {
		return nil, err
	}
	c, err := p.or()
	if err != nil {
		return nil, err
	}
	return c, p.done()
}

func (p *parser) or() (condition, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.accept("OR") {
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		l, r := left, right
		left = func(it Item) bool { return l(it) || r(it) }
	}
	return left, nil
}

func (p *parser) and() (condition, error) {
	left, err := p.not()
	if err != nil {
		return nil, err
	}
	for p.accept("AND") {
		right, err := p.not()
		if err != nil {
			return nil, err
		}
		l, r := left, right
		left = func(it Item) bool { return l(it) && r(it) }
	}
	return left, nil
}

func (p *parser) not() (condition, error) {
	if p.accept("NOT") {
		c, err := p.not()
		if err != nil {
			return nil, err
		}
		return func(it Item) bool { return !c(it) }, nil
	}
	return p.primary()
}

func (p *parser) primary() (condition, error) {
	if p.accept("(") {
		c, err := p.or()
		if err != nil {
			return nil, err
		}
		return c, p.expect(")")
	}

	t := p.peek()
	if t.kind == tkIdent && p.peekAt(1).text == "(" {
		switch fn := strings.ToLower(t.text); fn {
		case "attribute_exists", "attribute_not_exists":
			p.next()
			p.next()
			name, err := p.path()
			if err != nil {
				return nil, err
			}
			if err := p.expect(")"); err != nil {
				return nil, err
			}
			want := fn == "attribute_exists"
			return func(it Item) bool {
				_, ok := it[name]
				return ok == want
			}, nil

		case "begins_with", "contains":
			p.next()
			p.next()
			a, err := p.operand()
			if err != nil {
				return nil, err
			}
			if err := p.expect(","); err != nil {
				return nil, err
			}
			b, err := p.operand()
			if err != nil {
				return nil, err
			}
			if err := p.expect(")"); err != nil {
				return nil, err
			}
			if fn == "begins_with" {
				return func(it Item) bool { return beginsWith(a(it), b(it)) }, nil
			}
			return func(it Item) bool { return contains(a(it), b(it)) }, nil
		}
	}

	left, err := p.operand()
	if err != nil {
		return nil, err
	}
	op := p.next()
	if op.kind == tkIdent && strings.EqualFold(op.text, "BETWEEN") {
		lo, err := p.operand()
		if err != nil {
			return nil, err
		}
		if err := p.expect("AND"); err != nil {
			return nil, err
		}
		hi, err := p.operand()
		if err != nil {
			return nil, err
		}
		return func(it Item) bool {
			c1, ok1 := compare(left(it), lo(it))
			c2, ok2 := compare(left(it), hi(it))
			return ok1 && ok2 && c1 >= 0 && c2 <= 0
		}, nil
	}
	if op.kind != tkPunct {
		return nil, fmt.Errorf("expected comparator, got %q", op.text)
	}
	right, err := p.operand()
	if err != nil {
		return nil, err
	}
	switch op.text {
	case "=":
		return func(it Item) bool { return equal(left(it), right(it)) }, nil
	case "<>":
		return func(it Item) bool {
			l, r := left(it), right(it)
			return l != nil && r != nil && !equal(l, r)
		}, nil
	case "<", "<=", ">", ">=":
		cmp := op.text
		return func(it Item) bool {
			c, ok := compare(left(it), right(it))
			if !ok {
				return false
			}
			switch cmp {
			case "<":
				return c < 0
			case "<=":
				return c <= 0
			case ">":
				return c > 0
			}
			return c >= 0
		}, nil
	}
	return nil, fmt.Errorf("unsupported comparator %q", op.text)
}

type updateAction func(dst, snapshot Item) error

func parseUpdate(expr string, names map[string]string, values map[string]types.AttributeValue) ([]updateAction, error) {
	p, err := newParser(expr, names, values)
	if err != nil {
		return nil, err
	}
	var actions []updateAction
	for p.peek().kind != tkEOF {
		kw := p.next()
		if kw.kind != tkIdent {
			return nil, fmt.Errorf("expected clause keyword, got %q", kw.text)
		}
		for {
			var (
				a   updateAction
				err error
			)
			switch strings.ToUpper(kw.text) {
			case "SET":
				a, err = p.setAction()
			case "ADD":
				a, err = p.addAction()
			case "REMOVE":
				a, err = p.removeAction()
			case "DELETE":
				a, err = p.deleteAction()
			default:
				return nil, fmt.Errorf("unknown clause %q", kw.text)
			}
			if err != nil {
				return nil, err
			}
			actions = append(actions, a)
			if !p.accept(",") {
				break
			}
		}
	}
	if len(actions) == 0 {
		return nil, fmt.Errorf("empty update expression")
	}
	return actions, nil
}

func (p *parser) setAction() (updateAction, error) {
	name, err := p.path()
	if err != nil {
		return nil, err
	}
	if err := p.expect("="); err != nil {
		return nil, err
	}

	var val operand
	if t := p.peek(); t.kind == tkIdent && strings.EqualFold(t.text, "if_not_exists") && p.peekAt(1).text == "(" {
		p.next()
		p.next()
		existing, err := p.path()
		if err != nil {
			return nil, err
		}
		if err := p.expect(","); err != nil {
			return nil, err
		}
		def, err := p.operand()
		if err != nil {
			return nil, err
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		val = func(it Item) types.AttributeValue {
			if v, ok := it[existing]; ok {
				return v
			}
			return def(it)
		}
	} else {
		val, err = p.operand()
		if err != nil {
			return nil, err
		}
	}

	if p.accept("+") || (p.peek().text == "-" && p.accept("-")) {
		minus := p.toks[p.pos-1].text == "-"
		right, err := p.operand()
		if err != nil {
			return nil, err
		}
		left := val
		return func(dst, snap Item) error {
			l, r := left(snap), right(snap)
			sum, err := addNumbers(l, r, minus)
			if err != nil {
				return err
			}
			dst[name] = sum
			return nil
		}, nil
	}

	return func(dst, snap Item) error {
		v := val(snap)
		if v == nil {
			return fmt.Errorf("SET %s: operand refers to a missing attribute", name)
		}
		dst[name] = copyValue(v)
		return nil
	}, nil
}

func (p *parser) addAction() (updateAction, error) {
	name, err := p.path()
	if err != nil {
		return nil, err
	}
	val, err := p.operand()
	if err != nil {
		return nil, err
	}
	return func(dst, snap Item) error {
		v := val(snap)
		cur, exists := snap[name]
		switch x := v.(type) {
		case *types.AttributeValueMemberN:
			if !exists {
				dst[name] = copyValue(x)
				return nil
			}
			sum, err := addNumbers(cur, x, false)
			if err != nil {
				return err
			}
			dst[name] = sum
		case *types.AttributeValueMemberSS:
			if !exists {
				dst[name] = copyValue(x)
				return nil
			}
			set, ok := cur.(*types.AttributeValueMemberSS)
			if !ok {
				return fmt.Errorf("ADD %s: operand type mismatch", name)
			}
			dst[name] = &types.AttributeValueMemberSS{Value: union(set.Value, x.Value)}
		default:
			return fmt.Errorf("ADD %s: unsupported operand %T", name, v)
		}
		return nil
	}, nil
}

func (p *parser) removeAction() (updateAction, error) {
	name, err := p.path()
	if err != nil {
		return nil, err
	}
	return func(dst, _ Item) error {
		delete(dst, name)
		return nil
	}, nil
}

func (p *parser) deleteAction() (updateAction, error) {
	name, err := p.path()
	if err != nil {
		return nil, err
	}
	val, err := p.operand()
	if err != nil {
		return nil, err
	}
	return func(dst, snap Item) error {
		del, ok := val(snap).(*types.AttributeValueMemberSS)
		if !ok {
			return fmt.Errorf("DELETE %s: operand must be a string set", name)
		}
		cur, ok := snap[name].(*types.AttributeValueMemberSS)
		if !ok {
			return nil
		}
		drop := make(map[string]bool, len(del.Value))
		for _, v := range del.Value {
			drop[v] = true
		}
		var keep []string
		for _, v := range cur.Value {
			if !drop[v] {
				keep = append(keep, v)
			}
		}
		if len(keep) == 0 {
			delete(dst, name)
		} else {
			dst[name] = &types.AttributeValueMemberSS{Value: keep}
		}
		return nil
	}, nil
}

func parseProjection(expr string, names map[string]string) ([]string, error) {
	p, err := newParser(expr, names, nil)
	if err != nil {
		return nil, err
	}
	var out []string
	for {
		name, err := p.path()
		if err != nil {
			return nil, err
		}
		out = append(out, name)
		if !p.accept(",") {
			break
		}
	}
	return out, p.done()
}

func equal(a, b types.AttributeValue) bool {
	if a == nil || b == nil {
		return false
	}
	if c, ok := compare(a, b); ok {
		return c == 0
	}
	switch x := a.(type) {
	case *types.AttributeValueMemberSS:
		y, ok := b.(*types.AttributeValueMemberSS)
		if !ok {
			return false
		}
		return reflect.DeepEqual(sortedCopy(x.Value), sortedCopy(y.Value))
	}
	return reflect.DeepEqual(a, b)
}

// compare orders two scalars of the same type.
func compare(a, b types.AttributeValue) (int, bool) {
	switch x := a.(type) {
	case *types.AttributeValueMemberS:
		if y, ok := b.(*types.AttributeValueMemberS); ok {
			return strings.Compare(x.Value, y.Value), true
		}
	case *types.AttributeValueMemberN:
		if y, ok := b.(*types.AttributeValueMemberN); ok {
			xf, err1 := strconv.ParseFloat(x.Value, 64)
			yf, err2 := strconv.ParseFloat(y.Value, 64)
			if err1 != nil || err2 != nil {
				return 0, false
			}
			switch {
			case xf < yf:
				return -1, true
			case xf > yf:
				return 1, true
			}
			return 0, true
		}
	case *types.AttributeValueMemberBOOL:
		if y, ok := b.(*types.AttributeValueMemberBOOL); ok && x.Value == y.Value {
			return 0, true
		}
	}
	return 0, false
}

func beginsWith(a, b types.AttributeValue) bool {
	x, ok1 := a.(*types.AttributeValueMemberS)
	y, ok2 := b.(*types.AttributeValueMemberS)
	return ok1 && ok2 && strings.HasPrefix(x.Value, y.Value)
}

func contains(a, b types.AttributeValue) bool {
	y, ok := b.(*types.AttributeValueMemberS)
	if !ok {
		return false
	}
	switch x := a.(type) {
	case *types.AttributeValueMemberS:
		return strings.Contains(x.Value, y.Value)
	case *types.AttributeValueMemberSS:
		for _, v := range x.Value {
			if v == y.Value {
				return true
			}
		}
	}
	return false
}

func size(av types.AttributeValue) (int, bool) {
	switch x := av.(type) {
	case *types.AttributeValueMemberS:
		return len(x.Value), true
	case *types.AttributeValueMemberSS:
		return len(x.Value), true
	case *types.AttributeValueMemberL:
		return len(x.Value), true
	case *types.AttributeValueMemberM:
		return len(x.Value), true
	}
	return 0, false
}

func addNumbers(a, b types.AttributeValue, minus bool) (types.AttributeValue, error) {
	x, ok1 := a.(*types.AttributeValueMemberN)
	y, ok2 := b.(*types.AttributeValueMemberN)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("an operand in the update expression has an incorrect data type")
	}
	xi, err1 := strconv.ParseInt(x.Value, 10, 64)
	yi, err2 := strconv.ParseInt(y.Value, 10, 64)
	if err1 == nil && err2 == nil {
		if minus {
			yi = -yi
		}
		return &types.AttributeValueMemberN{Value: strconv.FormatInt(xi+yi, 10)}, nil
	}
	xf, err1 := strconv.ParseFloat(x.Value, 64)
	yf, err2 := strconv.ParseFloat(y.Value, 64)
	if err1 != nil || err2 != nil {
		return nil, fmt.Errorf("invalid number")
	}
	if minus {
		yf = -yf
	}
	return &types.AttributeValueMemberN{Value: strconv.FormatFloat(xf+yf, 'f', -1, 64)}, nil
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, v := range append(append([]string{}, a...), b...) {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func sortedCopy(ss []string) []string {
	out := append([]string(nil), ss...)
	sort.Strings(out)
	return out
}

func copyValue(av types.AttributeValue) types.AttributeValue {
	switch x := av.(type) {
	case *types.AttributeValueMemberS:
		return &types.AttributeValueMemberS{Value: x.Value}
	case *types.AttributeValueMemberN:
		return &types.AttributeValueMemberN{Value: x.Value}
	case *types.AttributeValueMemberB:
		return &types.AttributeValueMemberB{Value: append([]byte(nil), x.Value...)}
	case *types.AttributeValueMemberBOOL:
		return &types.AttributeValueMemberBOOL{Value: x.Value}
	case *types.AttributeValueMemberNULL:
		return &types.AttributeValueMemberNULL{Value: x.Value}
	case *types.AttributeValueMemberSS:
		return &types.AttributeValueMemberSS{Value: append([]string(nil), x.Value...)}
	case *types.AttributeValueMemberNS:
		return &types.AttributeValueMemberNS{Value: append([]string(nil), x.Value...)}
	case *types.AttributeValueMemberL:
		out := make([]types.AttributeValue, len(x.Value))
		for i, v := range x.Value {
			out[i] = copyValue(v)
		}
		return &types.AttributeValueMemberL{Value: out}
	case *types.AttributeValueMemberM:
		return &types.AttributeValueMemberM{Value: copyItem(x.Value)}
	}
	return av
}

func copyItem(item Item) Item {
	if item == nil {
		return nil
	}
	out := make(Item, len(item))
	for k, v := range item {
		out[k] = copyValue(v)
	}
	return out
}

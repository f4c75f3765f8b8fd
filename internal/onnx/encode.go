package onnx

import "google.golang.org/protobuf/encoding/protowire"

// Marshal encodes the model's header and graph signature as a ModelProto.
// Initializers are written as named placeholders and every counted node as
// an op_type-only NodeProto, so the result round-trips through Parse but
// carries no weights.
func Marshal(m *Model, initializerNames ...string) []byte {
	var b []byte
	b = protowire.AppendTag(b, modelIRVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.IRVersion))
	if m.ProducerName != "" {
		b = appendString(b, modelProducerName, m.ProducerName)
	}
	for _, op := range m.Opsets {
		var ob []byte
		if op.Domain != "" {
			ob = appendString(ob, opsetDomain, op.Domain)
		}
		ob = protowire.AppendTag(ob, opsetVersion, protowire.VarintType)
		ob = protowire.AppendVarint(ob, uint64(op.Version))
		b = appendMessage(b, modelOpsetImport, ob)
	}

	var g []byte
	for op, n := range m.OpTypes {
		for range n {
			var nb []byte
			nb = appendString(nb, nodeOpType, op)
			g = appendMessage(g, graphNode, nb)
		}
	}
	if m.GraphName != "" {
		g = appendString(g, graphName, m.GraphName)
	}
	for _, name := range initializerNames {
		g = appendMessage(g, graphInitializer, appendString(nil, tensorName, name))
		g = appendMessage(g, graphInput, marshalValueInfo(ValueInfo{Name: name, ElemType: ElemFloat}))
	}
	for _, in := range m.Inputs {
		g = appendMessage(g, graphInput, marshalValueInfo(in))
	}
	for _, out := range m.Outputs {
		g = appendMessage(g, graphOutput, marshalValueInfo(out))
	}
	return appendMessage(b, modelGraph, g)
}

func marshalValueInfo(v ValueInfo) []byte {
	var shape []byte
	for _, d := range v.Dims {
		var db []byte
		if d.Param != "" {
			db = appendString(db, dimParam, d.Param)
		} else {
			db = protowire.AppendTag(db, dimValue, protowire.VarintType)
			db = protowire.AppendVarint(db, uint64(d.Value))
		}
		shape = appendMessage(shape, shapeDim, db)
	}
	var tt []byte
	tt = protowire.AppendTag(tt, tensorTypeElem, protowire.VarintType)
	tt = protowire.AppendVarint(tt, uint64(v.ElemType))
	tt = appendMessage(tt, tensorTypeShape, shape)

	var b []byte
	b = appendString(b, valueInfoName, v.Name)
	return appendMessage(b, valueInfoType, appendMessage(nil, typeTensor, tt))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package il

// This file holds pure signature-blob builders (spec §4.9): small functions
// that compose ECMA-335 §II.23.2.1 method and type signatures from already
// -resolved type tokens. They feed the tokenizer's member_ref/type_spec
// calls; none of them touch metadata services themselves.

// classTypeBytes encodes a reference type as ELEMENT_TYPE_CLASS + compressed
// token, e.g. for a MemberRef signature parameter of type System.Exception.
func classTypeBytes(token uint32) ([]byte, error) {
	compressed, err := CompressToken(token)
	if err != nil {
		return nil, err
	}
	return append([]byte{ElementTypeClass}, compressed...), nil
}

// valueTypeBytes encodes a value type as ELEMENT_TYPE_VALUETYPE + compressed
// token, e.g. System.RuntimeTypeHandle.
func valueTypeBytes(token uint32) ([]byte, error) {
	compressed, err := CompressToken(token)
	if err != nil {
		return nil, err
	}
	return append([]byte{ElementTypeValueType}, compressed...), nil
}

// szArrayBytes wraps an element-type encoding as a single-dimensional
// zero-based array, ELEMENT_TYPE_SZARRAY + element.
func szArrayBytes(element []byte) []byte {
	return append([]byte{ElementTypeSzArray}, element...)
}

// varBytes encodes a reference to the generic type parameter at index,
// ELEMENT_TYPE_VAR + compressed index.
func varBytes(index uint32) ([]byte, error) {
	compressed, err := EncodeUint(index)
	if err != nil {
		return nil, err
	}
	return append([]byte{ElementTypeVar}, compressed...), nil
}

// buildMethodSig assembles a MethodDefSig/MethodRefSig: calling-convention
// byte, compressed param count, return-type encoding, then each parameter's
// type encoding in order.
func buildMethodSig(hasThis bool, ret []byte, params [][]byte) ([]byte, error) {
	convention := byte(sigDefault)
	if hasThis {
		convention = sigHasThis
	}
	countBytes, err := EncodeUint(uint32(len(params)))
	if err != nil {
		return nil, err
	}

	blob := make([]byte, 0, 2+len(ret)+len(countBytes))
	blob = append(blob, convention)
	blob = append(blob, countBytes...)
	blob = append(blob, ret...)
	for _, p := range params {
		blob = append(blob, p...)
	}
	return blob, nil
}

// BuildStaticSig builds a canonical static method signature: calling
// convention 0x00 (default), the given return-type and parameter-type
// encodings.
func BuildStaticSig(ret []byte, params ...[]byte) ([]byte, error) {
	return buildMethodSig(false, ret, params)
}

// BuildInstanceSig builds a canonical instance method signature: calling
// convention 0x20 (HASTHIS).
func BuildInstanceSig(ret []byte, params ...[]byte) ([]byte, error) {
	return buildMethodSig(true, ret, params)
}

// BuildGenericInstantiation builds a TypeSpec signature for a closed generic
// instantiation: GENERICINST CLASS <openTypeToken> <argCount> <argEncodings...>.
func BuildGenericInstantiation(openTypeToken uint32, argTypes ...[]byte) ([]byte, error) {
	compressedToken, err := CompressToken(openTypeToken)
	if err != nil {
		return nil, err
	}
	countBytes, err := EncodeUint(uint32(len(argTypes)))
	if err != nil {
		return nil, err
	}

	blob := make([]byte, 0, 2+len(compressedToken)+len(countBytes))
	blob = append(blob, ElementTypeGenericInst, ElementTypeClass)
	blob = append(blob, compressedToken...)
	blob = append(blob, countBytes...)
	for _, a := range argTypes {
		blob = append(blob, a...)
	}
	return blob, nil
}

// buildGetTypeFromHandleSig builds the signature for the static method
// System.Type.GetTypeFromHandle(System.RuntimeTypeHandle) : System.Type.
func buildGetTypeFromHandleSig(typeTypeRef, runtimeTypeHandleRef uint32) ([]byte, error) {
	ret, err := classTypeBytes(typeTypeRef)
	if err != nil {
		return nil, err
	}
	param, err := valueTypeBytes(runtimeTypeHandleRef)
	if err != nil {
		return nil, err
	}
	return BuildStaticSig(ret, param)
}

// buildMethodBaseInvokeSig builds the signature for the instance method
// System.Reflection.MethodBase.Invoke(object, object[]) : object.
func buildMethodBaseInvokeSig(objectTypeRef uint32) ([]byte, error) {
	obj, err := classTypeBytes(objectTypeRef)
	if err != nil {
		return nil, err
	}
	objArray := szArrayBytes([]byte{ElementTypeObject})
	return BuildInstanceSig([]byte{ElementTypeObject}, obj, objArray)
}

// buildAction2InvokeSig builds the open-generic signature for
// System.Action`2.Invoke(!0, !1) : void.
func buildAction2InvokeSig() ([]byte, error) {
	arg0, err := varBytes(0)
	if err != nil {
		return nil, err
	}
	arg1, err := varBytes(1)
	if err != nil {
		return nil, err
	}
	return BuildInstanceSig([]byte{ElementTypeVoid}, arg0, arg1)
}

// buildAction2TypeSpecSig builds the TypeSpec blob for the closed generic
// instantiation Action<object, Exception>.
func buildAction2TypeSpecSig(action2TypeRef, objectTypeRef, exceptionTypeRef uint32) ([]byte, error) {
	exceptionBytes, err := classTypeBytes(exceptionTypeRef)
	if err != nil {
		return nil, err
	}
	return BuildGenericInstantiation(action2TypeRef, []byte{ElementTypeObject}, exceptionBytes)
}

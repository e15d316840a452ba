package sandbox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPythonImports = []string{"math", "json", "collections", "itertools", "datetime", "re"}

func TestPrecheckPython(t *testing.T) {
	allowed := []struct {
		name string
		code string
	}{
		{"Print", "print(sum(range(1000)))"},
		{"AllowedImport", "import math\nprint(math.sqrt(16))"},
		{"AllowedFromImport", "from collections import Counter\nCounter('aab')"},
		{"AllowedDotted", "import json.decoder"},
		{"AliasedImport", "import itertools as it\nlist(it.islice(range(10), 3))"},
		{"AttributeNamedLikeBuiltin", "import re\nre.compile('a+').match('aaa')"},
		{"KeywordArgument", "sorted([3, 1], reverse=True)"},
		{"MainGuard", "if __name__ == '__main__':\n    print('hi')"},
		{"ClassDefinition", "class A:\n    x = 1\nA().x"},
	}
	for _, tt := range allowed {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, Precheck(context.Background(), LanguagePython, tt.code, testPythonImports))
		})
	}

	denied := []struct {
		name   string
		code   string
		kind   string
		detail string
	}{
		{"ImportOS", "import os", KindImport, "'os'"},
		{"ImportDottedOS", "import os.path", KindImport, "'os'"},
		{"FromImportSocket", "from socket import socket", KindImport, "'socket'"},
		{"AliasedForbidden", "import subprocess as sp", KindImport, "'subprocess'"},
		{"RelativeImport", "from . import x", KindImport, "relative"},
		{"Open", "open('/etc/passwd').read()", KindBuiltin, "'open'"},
		{"Eval", "eval('1+1')", KindBuiltin, "'eval'"},
		{"Exec", "exec('x=1')", KindBuiltin, "'exec'"},
		{"Getattr", "getattr(1, 'real')", KindBuiltin, "'getattr'"},
		{"DunderImport", "__import__('os')", KindAttribute, "'__import__'"},
		{"DunderBuiltins", "__builtins__", KindAttribute, "'__builtins__'"},
		{"PrivateAttribute", "().__class__", KindAttribute, "'__class__'"},
		{"SingleUnderscoreAttribute", "x = 1\nx._secret", KindAttribute, "'_secret'"},
		{"ReexportedCodecs", "import json\njson.codecs.open('/etc/hostname').read()", KindAttribute, "'codecs'"},
		{"ReexportedSys", "import json\nx = json.sys\nx.modules['os'].listdir('/')", KindAttribute, "'sys'"},
		{"FrameWalk", "def g():\n    yield 1\ng().gi_frame.f_back", KindAttribute, "'f_back'"},
		{"SyntaxError", "print(", KindSyntax, "syntax error"},
	}
	for _, tt := range denied {
		t.Run(tt.name, func(t *testing.T) {
			err := Precheck(context.Background(), LanguagePython, tt.code, testPythonImports)
			require.Error(t, err)

			var d *DeniedError
			require.True(t, errors.As(err, &d))
			assert.Equal(t, tt.kind, d.Kind)
			assert.Contains(t, d.Error(), tt.detail)
		})
	}

	t.Run("ImportReportsModule", func(t *testing.T) {
		err := Precheck(context.Background(), LanguagePython, "x = 1\nimport os", testPythonImports)
		var d *DeniedError
		require.ErrorAs(t, err, &d)
		assert.Equal(t, "os", d.Module)
		assert.Equal(t, 2, d.Line)
	})
}

func TestPrecheckJavaScript(t *testing.T) {
	allowed := []struct {
		name string
		code string
	}{
		{"ConsoleLog", "console.log(1 + 1)"},
		{"Arrow", "const f = (a) => a * 2; f(21)"},
		{"ComputedIndex", "const o = {a: 1}; const k = 'a'; o[k]"},
		{"JSONRoundTrip", "JSON.stringify({a: [1, 2]})"},
		{"AllowedRequire", "const _ = require('lodash'); 1"},
	}
	for _, tt := range allowed {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, Precheck(context.Background(), LanguageJavaScript, tt.code, []string{"lodash"}))
		})
	}

	denied := []struct {
		name   string
		code   string
		kind   string
		detail string
	}{
		{"RequireFS", "require('fs')", KindImport, "'fs'"},
		{"RequireScoped", "require('@scope/pkg/sub')", KindImport, "'@scope/pkg'"},
		{"DynamicRequire", "const m = 'fs'; require(m)", KindImport, "string literal"},
		{"StaticImport", "import fs from 'fs'", KindImport, "'fs'"},
		{"DynamicImport", "import('fs')", KindImport, "dynamic import"},
		{"Eval", "eval('1')", KindBuiltin, "'eval'"},
		{"FunctionConstructor", "new Function('return 1')()", KindBuiltin, "'Function'"},
		{"Process", "process.exit(1)", KindBuiltin, "'process'"},
		{"Reflect", "Reflect.ownKeys({})", KindBuiltin, "'Reflect'"},
		{"ConstructorProperty", "(() => 1).constructor('return this')()", KindAttribute, "'constructor'"},
		{"ProtoSubscript", "({})['__proto__']", KindAttribute, "'__proto__'"},
		{"DunderProperty", "({}).__defineGetter__", KindAttribute, "'__defineGetter__'"},
		{"SyntaxError", "function (", KindSyntax, "syntax error"},
	}
	for _, tt := range denied {
		t.Run(tt.name, func(t *testing.T) {
			err := Precheck(context.Background(), LanguageJavaScript, tt.code, nil)
			require.Error(t, err)

			var d *DeniedError
			require.True(t, errors.As(err, &d))
			assert.Equal(t, tt.kind, d.Kind)
			assert.Contains(t, d.Error(), tt.detail)
		})
	}
}

func TestPrecheckUnsupportedLanguage(t *testing.T) {
	err := Precheck(context.Background(), "ruby", "puts 1", nil)
	require.Error(t, err)
	assert.True(t, IsDenied(err))

	var d *DeniedError
	require.ErrorAs(t, err, &d)
	assert.Equal(t, KindUnsupportedLanguage, d.Kind)
}

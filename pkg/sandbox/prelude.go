package sandbox

// preludeSource evaluates to the hooks the engine drives an invocation with.
// The settlement slots live in the closure, out of reach of the script.
const preludeSource = `(function () {
  var result, failure;

  function describe(err) {
    return {
      message: err && err.message !== undefined ? String(err.message) : String(err),
      stack: err && err.stack ? String(err.stack) : ""
    };
  }

  return Object.freeze({
    entry: function (module, localMain) {
      var exp = module.exports;
      if (exp && typeof exp.main === "function") return exp.main;
      if (typeof exp === "function") return exp;
      if (exp && typeof exp.default === "function") return exp.default;
      if (typeof localMain === "function") return localMain;
      return undefined;
    },

    run: function (entry, args, context) {
      var out = entry(args, context);
      if (out !== null && (typeof out === "object" || typeof out === "function") && typeof out.then === "function") {
        out.then(function (value) {
          if (!result && !failure) result = { value: value };
        }, function (err) {
          if (!result && !failure) failure = describe(err);
        });
        return { pending: true };
      }
      return { pending: false, value: out };
    },

    settled: function () {
      if (result) return { resolved: true, value: result.value };
      if (failure) return { rejected: true, message: failure.message, stack: failure.stack };
      return undefined;
    }
  });
})()`

const noopSource = `void 0`

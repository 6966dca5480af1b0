package resolvers

// SDL is the gateway schema. @log adds an optional message argument to the
// fields it decorates.
const SDL = `
directive @log(message: String = "my message") on FIELD_DEFINITION

type User {
  id: ID! @log(message: "id here")
  error: String! @deprecated(reason: "use this other field")
  username: String!
  createdAt: String!
}

type Settings {
  user: User!
  theme: String!
}

type Item {
  task: String!
}

input NewSettingsInput {
  user: ID!
  theme: String!
}

type Query {
  me: User!
  settings(user: ID!): Settings!
}

type Mutation {
  settings(input: NewSettingsInput!): Settings!
  createItem(task: String!): Item!
}

type Subscription {
  newItem: Item!
}
`
